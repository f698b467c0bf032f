// Package api 處理 HTTP 請求路由和處理。
//
// 這個包包含了所有的 HTTP 處理器（handlers）：
// 帳號註冊登入、遊戲場次的建立與回合操作、回答與事件查詢，
// 以及即時同步用的 WebSocket 升級端點。
// 它負責將 HTTP 請求轉換為適當的服務調用，並將結果轉換回 HTTP 響應。
package api
