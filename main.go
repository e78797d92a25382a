package main

import "voxscribe/cmd"

func main() {
	cmd.Execute()
}
