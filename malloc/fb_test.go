package malloc

import "testing"
import "math/rand"

func TestFbSetUnset(t *testing.T) {
	nbits := int64(200)
	b := newfb(nbits)
	if x := len(b); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	if !b.empty() {
		t.Errorf("expected empty bitmap")
	}
	for _, i := range []int64{0, 63, 64, 127, 199} {
		b.set(i)
		if !b.get(i) {
			t.Errorf("expected bit %v set", i)
		}
	}
	if x := b.scount(0, nbits); x != 5 {
		t.Errorf("expected %v, got %v", 5, x)
	}
	b.unset(63)
	if b.get(63) {
		t.Errorf("expected bit 63 unset")
	}
	if x := b.ucount(0, nbits); x != nbits-4 {
		t.Errorf("expected %v, got %v", nbits-4, x)
	}
}

func TestFbRange(t *testing.T) {
	nbits := int64(512)
	b := newfb(nbits)
	b.setrange(60, 10)
	if x := b.scount(0, nbits); x != 10 {
		t.Errorf("expected %v, got %v", 10, x)
	} else if x := b.scount(60, 4); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	b.setrange(128, 256)
	if x := b.scount(0, nbits); x != 266 {
		t.Errorf("expected %v, got %v", 266, x)
	}
	b.unsetrange(130, 200)
	if x := b.scount(128, 256); x != 56 {
		t.Errorf("expected %v, got %v", 56, x)
	}
	b.setrange(0, 0)
	if x := b.scount(0, nbits); x != 66 {
		t.Errorf("expected %v, got %v", 66, x)
	}
	b.setrange(0, nbits)
	if !b.full(nbits) {
		t.Errorf("expected full bitmap")
	}
}

func TestFbFind(t *testing.T) {
	nbits := int64(256)
	b := newfb(nbits)
	if x := b.ffs(nbits, 0); x != nbits {
		t.Errorf("expected %v, got %v", nbits, x)
	} else if x := b.fls(nbits, nbits-1); x != -1 {
		t.Errorf("expected %v, got %v", -1, x)
	} else if x := b.ffu(nbits, 10); x != 10 {
		t.Errorf("expected %v, got %v", 10, x)
	}

	b.set(70)
	b.set(200)
	if x := b.ffs(nbits, 0); x != 70 {
		t.Errorf("expected %v, got %v", 70, x)
	} else if x := b.ffs(nbits, 71); x != 200 {
		t.Errorf("expected %v, got %v", 200, x)
	} else if x := b.ffs(nbits, 201); x != nbits {
		t.Errorf("expected %v, got %v", nbits, x)
	} else if x := b.fls(nbits, 199); x != 70 {
		t.Errorf("expected %v, got %v", 70, x)
	} else if x := b.fls(nbits, 1000); x != 200 {
		t.Errorf("expected %v, got %v", 200, x)
	} else if x := b.fls(nbits, 69); x != -1 {
		t.Errorf("expected %v, got %v", -1, x)
	}

	b.setrange(0, nbits)
	b.unset(130)
	if x := b.ffu(nbits, 0); x != 130 {
		t.Errorf("expected %v, got %v", 130, x)
	} else if x := b.flu(nbits, nbits-1); x != 130 {
		t.Errorf("expected %v, got %v", 130, x)
	} else if x := b.ffu(nbits, 131); x != nbits {
		t.Errorf("expected %v, got %v", nbits, x)
	} else if x := b.flu(nbits, 129); x != -1 {
		t.Errorf("expected %v, got %v", -1, x)
	}
}

func TestFbRangeIter(t *testing.T) {
	nbits := int64(128)
	b := newfb(nbits)
	b.setrange(5, 10)
	b.setrange(60, 8)
	b.setrange(100, 28)

	refs := [][2]int64{{5, 10}, {60, 8}, {100, 28}}
	begin, length, ok := b.srangeiter(nbits, 0)
	for i := 0; ok; i++ {
		if begin != refs[i][0] || length != refs[i][1] {
			t.Errorf("expected %v, got %v,%v", refs[i], begin, length)
		}
		begin, length, ok = b.srangeiter(nbits, begin+length)
	}
	if x := b.srangelongest(nbits); x != 28 {
		t.Errorf("expected %v, got %v", 28, x)
	}
	if x := b.urangelongest(nbits); x != 45 {
		t.Errorf("expected %v, got %v", 45, x)
	}
	begin, length, ok = b.urangeiter(nbits, 0)
	if !ok || begin != 0 || length != 5 {
		t.Errorf("expected 0,5 got %v,%v,%v", begin, length, ok)
	}
	if _, _, ok = b.urangeiter(nbits, 100); ok {
		t.Errorf("expected no unset range")
	}
}

func TestFbBitops(t *testing.T) {
	nbits := int64(Hugepagepages)
	touched, active, out := newfb(nbits), newfb(nbits), newfb(nbits)
	touched.setrange(0, 300)
	active.setrange(100, 100)
	out.bitandnot(touched, active)
	if x := out.scount(0, nbits); x != 200 {
		t.Errorf("expected %v, got %v", 200, x)
	}
	out.bitand(touched, active)
	if x := out.scount(0, nbits); x != 100 {
		t.Errorf("expected %v, got %v", 100, x)
	}
	out.copyfrom(touched)
	if x := out.scount(0, nbits); x != 300 {
		t.Errorf("expected %v, got %v", 300, x)
	}
	out.init()
	if !out.empty() {
		t.Errorf("expected empty bitmap")
	}
}

func TestFbRandom(t *testing.T) {
	nbits := int64(1000)
	b, ref := newfb(nbits), make([]bool, nbits)
	for i := 0; i < 10000; i++ {
		start := rand.Int63n(nbits)
		cnt := rand.Int63n(nbits - start + 1)
		set := rand.Intn(2) == 0
		if set {
			b.setrange(start, cnt)
		} else {
			b.unsetrange(start, cnt)
		}
		for j := start; j < start+cnt; j++ {
			ref[j] = set
		}
		n := int64(0)
		for _, ok := range ref {
			if ok {
				n++
			}
		}
		if x := b.scount(0, nbits); x != n {
			t.Fatalf("expected %v, got %v", n, x)
		}
	}
	for i, ok := range ref {
		if b.get(int64(i)) != ok {
			t.Errorf("bit %v expected %v", i, ok)
		}
	}
}
