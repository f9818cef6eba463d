package convener

import "rollcall/models"

// RegistrationQueue is the FIFO of pending peers, the single in-flight slot
// and the completed set. A peer is in at most one of the three.
// It is not safe for concurrent use.
type RegistrationQueue struct {
	pending   []models.PeerID
	queued    map[models.PeerID]struct{}
	inFlight  models.PeerID
	completed map[models.PeerID]struct{}
	order     []models.PeerID
}

// NewRegistrationQueue returns an empty queue.
func NewRegistrationQueue() *RegistrationQueue {
	return &RegistrationQueue{
		queued:    make(map[models.PeerID]struct{}),
		completed: make(map[models.PeerID]struct{}),
	}
}

// Contains reports whether peerID is queued, in flight or completed.
func (q *RegistrationQueue) Contains(peerID models.PeerID) bool {
	if peerID == "" {
		return false
	}
	if peerID == q.inFlight {
		return true
	}
	if _, ok := q.queued[peerID]; ok {
		return true
	}
	_, ok := q.completed[peerID]
	return ok
}

// Enqueue appends peerID unless it is already known.
func (q *RegistrationQueue) Enqueue(peerID models.PeerID) bool {
	if peerID == "" || q.Contains(peerID) {
		return false
	}
	q.pending = append(q.pending, peerID)
	q.queued[peerID] = struct{}{}
	return true
}

// Pop moves the head of the queue into the in-flight slot.
// It returns false when the queue is empty or a peer is already in flight.
func (q *RegistrationQueue) Pop() (models.PeerID, bool) {
	if q.inFlight != "" || len(q.pending) == 0 {
		return "", false
	}
	head := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	delete(q.queued, head)
	q.inFlight = head
	return head, true
}

// Complete moves the in-flight peer to the completed set.
func (q *RegistrationQueue) Complete(peerID models.PeerID) bool {
	if peerID == "" || q.inFlight != peerID {
		return false
	}
	q.inFlight = ""
	q.completed[peerID] = struct{}{}
	q.order = append(q.order, peerID)
	return true
}

// Release clears the in-flight slot without completing the peer.
func (q *RegistrationQueue) Release(peerID models.PeerID) bool {
	if peerID == "" || q.inFlight != peerID {
		return false
	}
	q.inFlight = ""
	return true
}

// Cancel removes a pending peer from the queue.
func (q *RegistrationQueue) Cancel(peerID models.PeerID) bool {
	if _, ok := q.queued[peerID]; !ok {
		return false
	}
	delete(q.queued, peerID)
	for i, id := range q.pending {
		if id == peerID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of pending peers.
func (q *RegistrationQueue) Len() int {
	return len(q.pending)
}

// Pending returns a copy of the pending peers in queue order.
func (q *RegistrationQueue) Pending() []models.PeerID {
	return append([]models.PeerID(nil), q.pending...)
}

// Completed returns the completed peers in completion order.
func (q *RegistrationQueue) Completed() []models.PeerID {
	return append([]models.PeerID(nil), q.order...)
}

// InFlight returns the in-flight peer, if any.
func (q *RegistrationQueue) InFlight() (models.PeerID, bool) {
	return q.inFlight, q.inFlight != ""
}
