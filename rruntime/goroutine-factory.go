package rruntime

import (
	"github.com/counselsync/transferd/utils/crash"
)

// Go starts the execution of the function passed as argument in a new
// goroutine, guarded by the configured panic handler.
//
// THING TO NOTE: If the function you are intending to run inside a goroutine
// takes any parameters, create local variables for every argument before
// calling this function (so that evaluation of the argument happens
// immediately) and then close over those local variables.
func Go(function func()) {
	go func() {
		defer crash.Notify("Core")()
		function()
	}()
}

// GoRoutineFactory can be handed to collaborators that want to spawn
// panic-guarded goroutines without importing this package's free function.
var GoRoutineFactory goRoutineFactory

type goRoutineFactory struct{}

func (goRoutineFactory) Go(function func()) {
	Go(function)
}
