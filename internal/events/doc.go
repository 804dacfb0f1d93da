// Package events provides types and interfaces for lifecycle notifications.
//
// The queue manager emits a LifecycleEvent whenever a request reaches a
// terminal state, is scheduled for retry, or is dead-lettered. Handlers are
// registered on an emitter and never block the worker that produced the
// event for longer than the handler itself takes.
//
// The primary components are:
// - LifecycleEvent: a state change of one generation request
// - EventHandler: interface for components that can handle events
// - EventEmitter: interface for components that can emit events
// - RedisPublisher: handler that publishes events on a Redis channel
package events
