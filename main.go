package main

import "github.com/joilabs/joi-gateway/cmd"

func main() {
	cmd.Execute()
}
