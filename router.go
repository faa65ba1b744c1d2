package sending

// route fans a message out to every eligible subscribed inbox. The caller
// holds the manager lock, which makes the candidate snapshot and the
// eligibility decisions atomic with respect to subscribe, unsubscribe, and
// session close: a subscribe that lands after routing begins never sees
// this message, while a concurrently unsubscribed session may still receive
// it (last-snapshot-wins).
//
// Eligibility per candidate session:
//   - detached: only the session's own publishes loop back; broadcast and
//     backend-injected traffic is excluded
//   - shared: everything for the topic, except the session's own publishes
//     unless the manager's echo policy is enabled
//
// Zero subscribers is not an error; the message is dropped locally.
func (m *Manager) route(msg Message) {
	for id := range m.topicIndex[msg.Topic] {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		switch s.isolation {
		case IsolationDetached:
			if msg.Origin == "" || msg.Origin != s.id {
				continue
			}
		case IsolationShared:
			if !m.echo && msg.Origin != "" && msg.Origin == s.id {
				continue
			}
		}
		s.enqueue(msg)
	}
}
