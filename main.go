package main

import "github.com/Ebullioscopic/WaterDrop/cmd"

func main() {
	cmd.Execute()
}
