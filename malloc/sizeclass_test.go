package malloc

import "testing"

func TestSizeclasses(t *testing.T) {
	if x := sizeclasses[0]; x != 8 {
		t.Errorf("expected %v, got %v", 8, x)
	}
	for i := 1; i < Nsizes; i++ {
		if sizeclasses[i] <= sizeclasses[i-1] {
			t.Errorf("size classes not ascending at %v", i)
		}
	}
	if x := Indexsize(nbins - 1); x != Smallmaxclass {
		t.Errorf("expected %v, got %v", Smallmaxclass, x)
	} else if x := Indexsize(nbins); x != Largeminclass {
		t.Errorf("expected %v, got %v", Largeminclass, x)
	} else if x := Indexsize(Nsizes - 1); x != Largemaxclass {
		t.Errorf("expected %v, got %v", Largemaxclass, x)
	}
	if x := Nbins(); x != 36 {
		t.Errorf("expected %v, got %v", 36, x)
	}
}

func TestSizeindex(t *testing.T) {
	testcases := [][2]int64{
		{0, 8}, {1, 8}, {8, 8}, {9, 16}, {17, 32}, {48, 48}, {49, 64},
		{65, 80}, {129, 160}, {1000, 1024}, {1025, 1280},
		{Smallmaxclass, Smallmaxclass}, {Smallmaxclass + 1, Largeminclass},
		{Largeminclass + 1, 20480}, {1 << 20, 1 << 20},
		{(1 << 20) + 1, 1310720}, {Largemaxclass, Largemaxclass},
	}
	for _, tcase := range testcases {
		if x := Usablesize(tcase[0]); x != tcase[1] {
			t.Errorf("for %v expected %v, got %v", tcase[0], tcase[1], x)
		}
	}
	if x := Sizeindex(Largemaxclass + 1); x != Nsizes {
		t.Errorf("expected %v, got %v", Nsizes, x)
	} else if x := Usablesize(Largemaxclass + 1); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	for ind := 0; ind < Nsizes; ind++ {
		if x := Sizeindex(sizeclasses[ind]); x != ind {
			t.Errorf("expected %v, got %v", ind, x)
		}
	}
}

func TestBininfos(t *testing.T) {
	for binind, info := range bininfos {
		if info.slabsize%Pagesize != 0 {
			t.Errorf("bin %v slab %v not page aligned", binind, info.slabsize)
		} else if info.slabsize%info.regsize != 0 {
			t.Errorf("bin %v slab %v not a multiple", binind, info.slabsize)
		} else if info.nregs > maxslabregs {
			t.Errorf("bin %v has %v regions", binind, info.nregs)
		}
	}
	if x := bininfos[0].nregs; x != 512 {
		t.Errorf("expected %v, got %v", 512, x)
	}
}

func TestPszclasses(t *testing.T) {
	if x := pszclasses[0]; x != Pagesize {
		t.Errorf("expected %v, got %v", Pagesize, x)
	}
	if x := pszceil(Pagesize + 1); pszclasses[x] != 2*Pagesize {
		t.Errorf("expected %v, got %v", 2*Pagesize, pszclasses[x])
	}
	if x := pszfloor(5 * Pagesize); pszclasses[x] != 5*Pagesize {
		t.Errorf("expected %v, got %v", 5*Pagesize, pszclasses[x])
	}
	// 9 pages falls between 8 and 10 pages.
	if x := pszfloor(9 * Pagesize); pszclasses[x] != 8*Pagesize {
		t.Errorf("expected %v, got %v", 8*Pagesize, pszclasses[x])
	} else if x := pszceil(9 * Pagesize); pszclasses[x] != 10*Pagesize {
		t.Errorf("expected %v, got %v", 10*Pagesize, pszclasses[x])
	}
}
