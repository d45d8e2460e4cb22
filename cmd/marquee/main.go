package main

import (
	"os"

	"horse.fit/marquee/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
