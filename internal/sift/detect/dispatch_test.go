package detect

import "testing"

func TestDeriveDispatch(t *testing.T) {
	cases := []struct {
		count uint32
		want  DispatchRecord
	}{
		// Empty frames still issue a valid dispatch.
		{0, DispatchRecord{1, 1, 1, 1, 1, 1}},
		{1, DispatchRecord{1, 1, 1, 1, 1, 1}},
		{64, DispatchRecord{64, 1, 1, 1, 1, 1}},
		{65, DispatchRecord{65, 1, 1, 2, 1, 1}},
		{65535, DispatchRecord{65535, 1, 1, 1024, 1, 1}},
		// Above the per-dimension limit the dispatch spreads into Y.
		{65536, DispatchRecord{65535, 2, 1, 1024, 1, 1}},
		{100000, DispatchRecord{65535, 2, 1, 1563, 1, 1}},
	}
	for _, tc := range cases {
		if got := DeriveDispatch(tc.count); got != tc.want {
			t.Errorf("DeriveDispatch(%d) = %+v, want %+v", tc.count, got, tc.want)
		}
	}
}
