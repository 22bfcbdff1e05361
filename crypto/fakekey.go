package crypto

// FakeKey and FakeNonce are the fixed AES-128 EAX key/nonce used for the
// command packets exchanged before the session key schedule is available:
// the server's initivexpand2 and the client's clientek.
var (
	FakeKey   = [16]byte{'c', ':', '\\', 'w', 'i', 'n', 'd', 'o', 'w', 's', '\\', 's', 'y', 's', 't', 'e'}
	FakeNonce = [16]byte{'m', '\\', 'f', 'i', 'r', 'e', 'w', 'a', 'l', 'l', '3', '2', '.', 'c', 'p', 'l'}
)
