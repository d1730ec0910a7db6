package main

import (
	"fmt"
	"os"

	"github.com/JohnPlummer/jp-go-apicall/cmd/apicall-demo/commands"
)

func main() {
	rootCmd := commands.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
