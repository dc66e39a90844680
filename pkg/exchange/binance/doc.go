// Package binance implements the Binance spot account binding.
// It fetches balance snapshots over REST and streams account changes from
// the user-data websocket.
//
// The package includes:
//   - Protocol: request building, HMAC signing and error mapping
//   - Client: rate-limited, circuit-broken REST calls and listen-key management
//   - UserStream: the account feed of one listen key
//
// Example usage:
//
//	client, err := binance.New(core.DefaultConfig("binance"))
//	creds, err := core.NewCredentials(apiKey, secret)
//	account, err := client.GetAccount(ctx, creds)
package binance
