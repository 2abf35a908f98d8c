package msgbuf

import "github.com/brcmfmac/msgbuf/internal/wire"

// TxHeaderSize is the size of the per-frame transmit header every Frame's
// Data must be prefixed with, ahead of the actual 802.3 payload.
const TxHeaderSize = wire.TxHeaderSize

// BroadcastMAC is the destination address QueueFrame collapses onto one
// shared flow ring, the same way it collapses every AP-mode multicast
// destination.
var BroadcastMAC = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// NumPriorityFifos is the number of hardware transmit FIFOs 802.1D
// priorities are mapped onto (0-7 down to one of four fifo indices).
const NumPriorityFifos = 4

