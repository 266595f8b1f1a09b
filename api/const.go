package api

import "errors"

// ErrorInvalidDecay decay time is not -1, 0 or a positive number of
// milliseconds within range.
var ErrorInvalidDecay = errors.New("malloc.invaliddecay")

// ErrorInvalidSize requested size is zero or beyond the largest size
// class.
var ErrorInvalidSize = errors.New("malloc.invalidsize")

// ErrorTcacheLimit all manual tcache slots are in use.
var ErrorTcacheLimit = errors.New("malloc.tcachelimit")

// ErrorInvalidTcache manual tcache index is not in use.
var ErrorInvalidTcache = errors.New("malloc.invalidtcache")

// ErrorArenaLimit no more arenas can be created.
var ErrorArenaLimit = errors.New("malloc.arenalimit")

// ErrorArenaBusy arena has attached threads and cannot be destroyed.
var ErrorArenaBusy = errors.New("malloc.arenabusy")

// ErrorInvalidArena arena index is not in use.
var ErrorInvalidArena = errors.New("malloc.invalidarena")
