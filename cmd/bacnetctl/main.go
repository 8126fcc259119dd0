// bacnetctl -- offline toolbox for BACnet MS/TP and BVLC wire data.
package main

import "github.com/bacnet-go/bacnetcore/cmd/bacnetctl/commands"

func main() {
	commands.Execute()
}
