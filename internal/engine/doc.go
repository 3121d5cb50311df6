// Package engine defines the contract between autodbg and the debug engines
// that suspend a target program.
//
// An Engine runs one target program and delivers every pause to a Handler
// on the goroutine that called Run. The handler inspects the paused Frame
// and returns the Action that decides how execution resumes.
//
// # Pauses
//
// Three kinds of pause are delivered:
//
//	PauseEntry   a function was entered (function breakpoints, stepping in)
//	PauseLine    a new source line is about to run
//	PauseReturn  a function is about to return
//
// # Actions
//
// The Action returned by the handler is the only resume command issued for
// that pause:
//
//	ActionContinue  run until the next breakpoint
//	ActionNext      run until the next line in the same or a calling frame
//	ActionStep      stop at the next event of any kind
//	ActionReturn    run until the current frame returns
//	ActionQuit      abandon the program; Run returns ErrQuit
//
// # Breakpoints
//
// Breakpoint locations are parsed by ParseLocation:
//
//	main           function breakpoint
//	mod.fn         function breakpoint on a qualified name
//	12             line 12 of the main script
//	lib.lua:12     line 12 of lib.lua
//
// # Implementations
//
// The luavm sub-package runs Lua scripts in-process and exposes their object
// graph to doubles. The dap sub-package drives an external Debug Adapter
// Protocol server; it has no object graph.
package engine
