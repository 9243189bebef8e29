package main

import "github.com/mjdshiraz-hash/Instagram-dm-webhook/cmd"

func main() {
	cmd.Execute()
}
