// Package vclock implements vector clocks keyed by replica id.
//
// A VClock describes a point in replicated history: component i is the LSN
// of the last row originated by replica i. Clocks are compared either
// component-wise (Compare) or by their signature (Sum), which gives a total
// order used for garbage collection and progress reporting.
//
//	v := vclock.New(1, 5)
//	_ = v.Follow(2, 3)
//	v.Sum()    // 8
//	v.String() // {1: 5, 2: 3}
package vclock
