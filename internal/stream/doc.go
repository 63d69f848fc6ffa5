// Package stream holds the buffer/stream pool shared by the producer and the
// dispatcher.
//
// A Stream is a run of fixed-size buffers. It moves through four places:
//
//	free ring --TakeFree--> fill target --Commit--> filled ring
//	    ^                                               |
//	    |                                         DequeFilled
//	    |                                               v
//	    +------AddFreeStream------- active list <-AddClientStream
//
// The free and filled rings are single-producer single-consumer queues with
// atomic indices. The producer pops the free ring and pushes the filled ring;
// the dispatcher does the opposite and owns the active list. A stream is in
// exactly one of the four places at any time.
//
// Producer and dispatcher wake each other with Tokens sent over a Link.
package stream
