package main

import "github.com/goosewin/cotloop/cmd"

func main() {
	cmd.Execute()
}
