// Package workerapipb holds the gRPC bindings for the worker service.
package workerapipb

//go:generate protoc -I . --go-grpc_out=. --go-grpc_opt=paths=source_relative worker.proto
