// Package coingecko provides the price API client used by the extract stage.
//
// Endpoints:
//   - GET /coins/markets      top coins by market cap (JSON array)
//   - GET /coins/{id}/history snapshot of one coin on a date (JSON object)
//
// Every request goes through a bounded retry loop with a fixed delay between
// attempts. Network failures and non-2xx statuses are retried; a body that
// fails to decode is not.
package coingecko
