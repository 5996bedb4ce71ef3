// Package reconcile is the client half of the realtime protocol: it merges
// optimistic placeholders, send acknowledgements and room broadcasts into one
// duplicate-free message list per open conversation.
//
// Acknowledgements and broadcasts travel over independent channels and are
// both treated as at-least-once. Entries are keyed by the server message id,
// so applying either input in any order, any number of times, converges on a
// single entry per message.
package reconcile
