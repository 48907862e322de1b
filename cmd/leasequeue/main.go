package main

import (
	"os"

	"github.com/nuetzliches/leasequeue/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
