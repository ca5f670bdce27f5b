package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
)

// MQTT 3.1.1 control packet types.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetPuback      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingreq     = 12
	packetDisconnect  = 14
)

// Connect flag bits.
const (
	flagWill       = 1 << 2
	flagWillQoS    = 3 << 3
	flagWillRetain = 1 << 5
	flagPassword   = 1 << 6
	flagUsername   = 1 << 7
)

var (
	connackAccepted = []byte{0x20, 0x02, 0x00, 0x00}
	pingresp        = []byte{0xD0, 0x00}
)

type connectPacket struct {
	clientID  string
	keepAlive uint16
	username  string
}

func parseConnect(payload []byte) (connectPacket, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return connectPacket{}, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return connectPacket{}, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return connectPacket{}, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(flagWill|flagWillQoS|flagWillRetain) != 0 {
		return connectPacket{}, fmt.Errorf("will messages are not supported (flags %08b)", flags)
	}

	var pkt connectPacket
	if pkt.keepAlive, err = rd.readUint16(); err != nil {
		return connectPacket{}, fmt.Errorf("read keepalive: %w", err)
	}
	if pkt.clientID, err = rd.readString(); err != nil {
		return connectPacket{}, fmt.Errorf("read client id: %w", err)
	}
	if flags&flagUsername != 0 {
		if pkt.username, err = rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read username: %w", err)
		}
	}
	if flags&flagPassword != 0 {
		if _, err := rd.readString(); err != nil {
			return connectPacket{}, fmt.Errorf("read password: %w", err)
		}
	}
	return pkt, nil
}

func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}

	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{Topic: topic, QoS: qos, Retain: header&0x01 != 0}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

type subscription struct {
	filter string
	qos    byte
}

func parseSubscribe(payload []byte) (uint16, []subscription, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}

	var subs []subscription
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return 0, nil, fmt.Errorf("read requested qos: %w", err)
		}
		subs = append(subs, subscription{filter: filter, qos: qos & 0x03})
	}
	if len(subs) == 0 {
		return 0, nil, fmt.Errorf("subscribe without topic filters")
	}
	return packetID, subs, nil
}

func parseUnsubscribe(payload []byte) (uint16, []string, error) {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return 0, nil, fmt.Errorf("read packet id: %w", err)
	}
	var filters []string
	for rd.remaining() > 0 {
		f, err := rd.readString()
		if err != nil {
			return 0, nil, fmt.Errorf("read topic filter: %w", err)
		}
		filters = append(filters, f)
	}
	return packetID, filters, nil
}

// buildPublish encodes a QoS 0 PUBLISH; subscribers are always served at QoS 0.
func buildPublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 65535 {
		return nil, fmt.Errorf("topic too long")
	}
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = appendString(body, topic)
	body = append(body, payload...)
	return frame(0x30, body), nil
}

func buildSubAck(packetID uint16, granted []byte) []byte {
	body := make([]byte, 0, 2+len(granted))
	body = append(body, byte(packetID>>8), byte(packetID))
	body = append(body, granted...)
	return frame(0x90, body)
}

func buildAck(first byte, packetID uint16) []byte {
	return []byte{first, 0x02, byte(packetID >> 8), byte(packetID)}
}

func frame(header byte, body []byte) []byte {
	length := encodeRemainingLength(len(body))
	out := make([]byte, 0, 1+len(length)+len(body))
	out = append(out, header)
	out = append(out, length...)
	return append(out, body...)
}

func appendString(b []byte, s string) []byte {
	b = append(b, byte(len(s)>>8), byte(len(s)))
	return append(b, s...)
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			return encoded
		}
	}
}
