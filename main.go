// services/lockplane/main.go
package main

import (
	"log"
	"os"

	"example.com/backstage/services/lockplane/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
