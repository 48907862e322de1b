// Command leasequeue runs lease-based work queues over a document store.
//
// Producers enqueue JSON payloads, workers claim them under a visibility
// lease and ack, nack, or ping by lease token. Queues configured with a
// deliver target are polled in-process and forwarded over HTTP.
//
// Install:
//
//	go install github.com/nuetzliches/leasequeue/cmd/leasequeue@latest
//
// Usage:
//
//	leasequeue run --config ./Queuefile
//	leasequeue enqueue jobs '{"id":1}'
package main
