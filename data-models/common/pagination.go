package common

const maxPageSize = 100

// BasePaginationInput 基礎分頁輸入結構，供其他結構嵌入使用
type BasePaginationInput struct {
	PageNum  int `query:"pageNum" default:"1" minimum:"1" doc:"當前頁碼（從 1 開始計數）"`
	PageSize int `query:"pageSize" default:"20" minimum:"1" maximum:"100" doc:"每頁返回的數據條數"`
}

func (p *BasePaginationInput) GetPageNum() int {
	if p.PageNum <= 0 {
		return 1
	}
	return p.PageNum
}

func (p *BasePaginationInput) GetPageSize() int {
	switch {
	case p.PageSize <= 0:
		return 20
	case p.PageSize > maxPageSize:
		return maxPageSize
	}
	return p.PageSize
}

// Offset 跳過的記錄數量
func (p *BasePaginationInput) Offset() int {
	return (p.GetPageNum() - 1) * p.GetPageSize()
}

// PaginationInfo 分頁資訊結構，供全專案共用
type PaginationInfo struct {
	CurrentPage int   `json:"currentPage" doc:"當前頁碼"`
	PageSize    int   `json:"pageSize" doc:"每頁數據條數"`
	TotalItems  int64 `json:"totalItems" doc:"總數據條數"`
	TotalPages  int   `json:"totalPages" doc:"總頁數"`
}

func NewPaginationInfo(pageNum, pageSize int, totalItems int64) PaginationInfo {
	totalPages := int((totalItems + int64(pageSize) - 1) / int64(pageSize))
	return PaginationInfo{
		CurrentPage: pageNum,
		PageSize:    pageSize,
		TotalItems:  totalItems,
		TotalPages:  totalPages,
	}
}
