package main

import "github.com/audiolibrelab/pwmloop/cmd"

func main() {
	cmd.Execute()
}
