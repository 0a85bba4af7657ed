package ble

import "errors"

// ErrNotifyQueueFull is returned by Radio.PublishNotification when the OS
// update queue cannot accept another value; the caller retries after the
// ReadyToNotify event.
var ErrNotifyQueueFull = errors.New("notification queue full")

// ErrNotConnected is returned by Radio.Write for an unknown or disconnected
// device.
var ErrNotConnected = errors.New("not connected")
