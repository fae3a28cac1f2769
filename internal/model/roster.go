// internal/model/roster.go
package model

// RosterRow is one row of the roster source. Only ClientID is interpreted.
type RosterRow struct {
	ClientID string            `json:"client_id"`
	Columns  map[string]string `json:"columns,omitempty"`
}

// ClientRecord is a client id that exists in the system of record.
type ClientRecord struct {
	ClientID int `json:"client_id"`
}

// BrokerFanout maps each broker to the clients it serves. Brokers and the
// clients under each broker keep first-discovery order.
type BrokerFanout struct {
	brokers []int
	clients map[int][]int
}

func NewBrokerFanout() *BrokerFanout {
	return &BrokerFanout{clients: make(map[int][]int)}
}

// Add links clientID to brokerID. Repeated pairs are ignored.
func (f *BrokerFanout) Add(brokerID, clientID int) {
	existing, ok := f.clients[brokerID]
	if !ok {
		f.brokers = append(f.brokers, brokerID)
	}
	for _, c := range existing {
		if c == clientID {
			return
		}
	}
	f.clients[brokerID] = append(existing, clientID)
}

// Brokers returns broker ids in first-discovery order.
func (f *BrokerFanout) Brokers() []int {
	out := make([]int, len(f.brokers))
	copy(out, f.brokers)
	return out
}

// Clients returns the clients mapped to brokerID.
func (f *BrokerFanout) Clients(brokerID int) []int {
	src := f.clients[brokerID]
	out := make([]int, len(src))
	copy(out, src)
	return out
}

func (f *BrokerFanout) Len() int {
	return len(f.brokers)
}
