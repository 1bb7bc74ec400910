//go:build linux

package pthread_test

import (
	"fmt"

	"github.com/renlord/platform-bionic/pthread"
)

// Example demonstrates creating a thread and collecting its result.
func Example() {
	t, err := pthread.Create(nil, func(arg any) any {
		return arg.(int) * 2
	}, 21)
	if err != nil {
		panic(err)
	}

	result, err := pthread.Join(t)
	if err != nil {
		panic(err)
	}
	fmt.Println(result)

	// Output:
	// 42
}

// Example_attributes demonstrates creating a thread with a custom stack
// and guard size.
func Example_attributes() {
	attr := &pthread.Attr{
		StackSize: 256 * 1024,
		GuardSize: 16 * 1024,
	}
	t, err := pthread.Create(attr, func(any) any {
		return "ran on a 256 KiB stack"
	}, nil)
	if err != nil {
		panic(err)
	}

	result, err := pthread.Join(t)
	if err != nil {
		panic(err)
	}
	fmt.Println(result)

	// Output:
	// ran on a 256 KiB stack
}

// Example_detached demonstrates a detached thread, which cannot be
// joined and cleans up after itself.
func Example_detached() {
	done := make(chan string, 1)
	attr := &pthread.Attr{Detached: true}
	_, err := pthread.Create(attr, func(any) any {
		done <- "detached thread finished"
		return nil
	}, nil)
	if err != nil {
		panic(err)
	}

	fmt.Println(<-done)

	// Output:
	// detached thread finished
}

// Example_exit demonstrates ending a thread early with an explicit exit
// value.
func Example_exit() {
	t, err := pthread.Create(nil, func(any) any {
		pthread.Exit("early exit")
		return "never reached"
	}, nil)
	if err != nil {
		panic(err)
	}

	result, err := pthread.Join(t)
	if err != nil {
		panic(err)
	}
	fmt.Println(result)

	// Output:
	// early exit
}

// ExampleSelf demonstrates thread identity.
func ExampleSelf() {
	main := pthread.Self()

	t, err := pthread.Create(nil, func(any) any {
		return pthread.Equal(pthread.Self(), main)
	}, nil)
	if err != nil {
		panic(err)
	}

	sameAsMain, err := pthread.Join(t)
	if err != nil {
		panic(err)
	}
	fmt.Println("new thread is the main thread:", sameAsMain)

	// Output:
	// new thread is the main thread: false
}
