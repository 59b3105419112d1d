package main

import "github.com/mindroomhq/mindroom/cmd"

func main() {
	cmd.Execute()
}
