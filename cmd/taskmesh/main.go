// Command taskmesh runs multi-agent tasks from the command line.
package main

func main() {
	Execute()
}
