package model

// StatusType is the request kind or outcome of a client message
type StatusType string

const (
	StatusGet        StatusType = "GET"
	StatusGetError   StatusType = "GET_ERROR"
	StatusGetSuccess StatusType = "GET_SUCCESS"

	StatusPut          StatusType = "PUT"
	StatusPutSuccess   StatusType = "PUT_SUCCESS"
	StatusPutUpdate    StatusType = "PUT_UPDATE"
	StatusPutError     StatusType = "PUT_ERROR"
	StatusPutReplicate StatusType = "PUT_REPLICATE"

	StatusDeleteSuccess StatusType = "DELETE_SUCCESS"
	StatusDeleteError   StatusType = "DELETE_ERROR"

	// StatusServerStopped is returned while the node does not serve requests
	StatusServerStopped StatusType = "SERVER_STOPPED"
	// StatusServerWriteLock is returned for writes while a transfer is in progress
	StatusServerWriteLock StatusType = "SERVER_WRITE_LOCK"
	// StatusServerNotResponsible carries the node's ring snapshot in Value
	StatusServerNotResponsible StatusType = "SERVER_NOT_RESPONSIBLE"

	StatusBadStatusError StatusType = "BAD_STATUS_ERROR"
)

// DeleteValue is the value a PUT carries to delete a key
const DeleteValue = "null"

const (
	// MaxKeyLength is the largest accepted key in bytes
	MaxKeyLength = 20
	// MaxValueLength is the largest accepted value in bytes
	MaxValueLength = 120 * 1024
)

// KVMessage is a client request or response
type KVMessage struct {
	Status StatusType `json:"status"`
	Key    string     `json:"key"`
	Value  string     `json:"value,omitempty"`
}

// IsWrite reports whether the request modifies data
func (m *KVMessage) IsWrite() bool {
	return m.Status == StatusPut || m.Status == StatusPutReplicate
}

// IsDelete reports whether a write removes its key
func (m *KVMessage) IsDelete() bool {
	return m.IsWrite() && m.Value == DeleteValue
}

// ReplicaReadable reports whether a replica may serve the request in place
// of the coordinator
func (s StatusType) ReplicaReadable() bool {
	return s == StatusGet || s == StatusPutReplicate
}

// ForwardSucceeded reports whether a replica accepted a forwarded write
func (s StatusType) ForwardSucceeded() bool {
	switch s {
	case StatusPutSuccess, StatusPutUpdate, StatusDeleteSuccess:
		return true
	}
	return false
}

// Succeeded reports whether a response completed the client's request
func (s StatusType) Succeeded() bool {
	return s == StatusGetSuccess || s.ForwardSucceeded()
}
