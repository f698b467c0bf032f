package service

import "errors"

// 錯誤分類：
// ErrStateConflict 與 ErrNotAuthenticated 屬於預期中的業務失敗，呼叫端不應重試；
// ErrStoreUnavailable 與 ErrChannelAttach 屬於暫時性失敗，
// 寫入操作留給呼叫端決定是否重試，引擎本身不會自動重送會改變回合的操作。
var (
	ErrStateConflict    = errors.New("遊戲狀態不允許此操作")
	ErrNotAuthenticated = errors.New("無法確認使用者身份")
	ErrStoreUnavailable = errors.New("資料庫暫時無法使用")
	ErrChannelAttach    = errors.New("無法建立訂閱連線")
)
