package common

import "testing"

func TestBasePaginationInput(t *testing.T) {
	cases := []struct {
		name       string
		in         BasePaginationInput
		wantPage   int
		wantSize   int
		wantOffset int
	}{
		{"預設值", BasePaginationInput{}, 1, 20, 0},
		{"第三頁", BasePaginationInput{PageNum: 3, PageSize: 10}, 3, 10, 20},
		{"超過上限", BasePaginationInput{PageNum: 2, PageSize: 1000}, 2, 100, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.GetPageNum(); got != tc.wantPage {
				t.Errorf("page = %d, want %d", got, tc.wantPage)
			}
			if got := tc.in.GetPageSize(); got != tc.wantSize {
				t.Errorf("size = %d, want %d", got, tc.wantSize)
			}
			if got := tc.in.Offset(); got != tc.wantOffset {
				t.Errorf("offset = %d, want %d", got, tc.wantOffset)
			}
		})
	}
}

func TestNewPaginationInfo(t *testing.T) {
	info := NewPaginationInfo(1, 20, 41)
	if info.TotalPages != 3 {
		t.Fatalf("totalPages = %d, want 3", info.TotalPages)
	}
	if empty := NewPaginationInfo(1, 20, 0); empty.TotalPages != 0 {
		t.Fatalf("totalPages = %d, want 0", empty.TotalPages)
	}
}
