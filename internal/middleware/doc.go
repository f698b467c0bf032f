// Package middleware 提供了 HTTP 請求處理的中間件。
//
// 目前只有 JWT 身份驗證：解析 Authorization 標頭、
// 驗證 token 並把 userID 放進請求上下文，
// 所有遊戲場次相關的路由都依賴這個中間件。
package middleware
