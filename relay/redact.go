package relay

// redaction filters. every document that crosses the trust boundary to a
// socket passes through one of these. each returns a copy and never
// mutates the input.

// strips credentials and presence before a user document leaves the core
func RedactUser(user *User) *User {
	userCopy := user.Copy()
	userCopy.Salt = ""
	userCopy.Password = ""
	userCopy.Tokens = nil
	userCopy.LastSeen = nil
	return userCopy
}

// the owner is implied by the receiving socket
func RedactEvent(event *Event) *Event {
	eventCopy := event.Copy()
	eventCopy.User = nil
	return eventCopy
}

// strips the hostmask and the burst-tracking flag
func RedactChannelUser(channelUser *ChannelUser) *ChannelUser {
	channelUserCopy := channelUser.Copy()
	channelUserCopy.Username = ""
	channelUserCopy.Hostname = ""
	channelUserCopy.Burst = false
	return channelUserCopy
}
