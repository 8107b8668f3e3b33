package main

import (
	"idset/dbcli"
)

func main() {
	dbcli.Init()
	dbcli.Execute()
}
