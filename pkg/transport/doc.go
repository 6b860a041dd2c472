// Package transport carries protocol frames between the controller and an
// execution unit.
//
// Key concepts:
// - Stream: a Send/Recv channel of opaque frames (u32 LE length prefix)
// - Framed: the Stream implementation over any reader/writer pair
// - mem: an in-process pair over net.Pipe, used for goroutine units and tests
// - stdio: a child process's stdin/stdout
package transport
