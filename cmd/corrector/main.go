package main

import (
	"os"

	"horse.fit/corrector/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
