// Package logx wraps zerolog behind a small Logger type with functional
// field helpers. The handle is constructed once in main and passed down;
// nothing in this package touches global logging state beyond zerolog's
// time/field formats.
package logx
