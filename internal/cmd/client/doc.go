// Package client provides the `grubq` command-line client.
//
// The CLI talks to the grubq HTTP API to perform common queue operations
// from a terminal. It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it defaults
// to http://127.0.0.1:8080 and can be overridden with GRUBQ_HTTP.
//
// Usage
//
//	grubq submit --payload '{"url":"https://example.com"}' --priority 1 --owner crawler-a
//	grubq job status <job-id>
//
//	grubq group create --id crawl-42 --owner crawler-a --ttl-ms 3600000
//	grubq group status crawl-42
//	grubq group cancel crawl-42
package client
