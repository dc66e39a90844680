// Package bybit reads unified-account wallet balances from Bybit V5.
//
// Snapshots come from GET /v5/account/wallet-balance. Live changes come
// from the "wallet" topic of the private websocket, which is authenticated
// with an HMAC over "GET/realtime" and an expiry.
//
// Bybit API Documentation: https://bybit-exchange.github.io/docs/v5/intro
package bybit
