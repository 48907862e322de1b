/*
Package leasequeue documents the leasequeue module.

This module is CLI-first and ships the leasequeue command:

	go install github.com/nuetzliches/leasequeue/cmd/leasequeue@latest

The queue engine lives in internal/queue. Most implementation packages in
this repository are internal and are not a stable public Go API.
*/
package leasequeue
