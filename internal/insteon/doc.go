// Package insteon holds the primitive types shared by every part of the
// Insteon integration: device addresses and the protocol constants that the
// link database and the bridge adapter agree on.
//
// An Insteon device is identified by a 3-byte address, written as three
// dotted hex pairs:
//
//	addr, err := insteon.ParseAddress("1a.2b.3c")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(addr) // "1A.2B.3C"
//
// The all-zero address never names a real device. Link databases use it as
// the peer of the high-water-mark record that terminates the populated part
// of the table.
package insteon
