package domain

// RoomID names a fan-out channel: either a conversation id or a synthetic
// call channel. The model assumes nothing about cardinality; a direct chat
// happens to hold two members.
type RoomID string
