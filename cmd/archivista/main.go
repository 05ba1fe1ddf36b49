package main

import "github.com/morenocuratelo/archivista/internal/cli"

func main() {
	cli.Execute()
}
