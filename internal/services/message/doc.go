// Package message sends room messages and to-device messages.
//
// Room messages are group-encrypted when the room requires it. To-device
// messages, including room key announcements, are encrypted per device with
// the 1:1 session manager. Service also implements domain.KeyDistributor.
package message
