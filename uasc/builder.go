// Copyright 2021 Converter Systems LLC. All rights reserved.

package uasc

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/awcullen/uasc/ua"
	"github.com/djherbis/buffer"
	"github.com/gammazero/deque"
	"github.com/pkg/errors"
)

// a sequence number above this may wrap to a number below sequenceNumberWrapLimit.
const (
	sequenceNumberWrapThreshold uint32 = math.MaxUint32 - 1024
	sequenceNumberWrapLimit     uint32 = 1024
)

// BuilderOptions configure a MessageBuilder.
type BuilderOptions struct {
	SecurityMode   ua.MessageSecurityMode
	SecurityPolicy ua.SecurityPolicy
	// Asymmetric unprotects OPN chunks. Nil under the None security mode.
	Asymmetric *SecurityOptions
	// MaxMessageSize is the limit on the size of a message body. Zero is unlimited.
	MaxMessageSize uint32
	// MaxChunkCount is the limit on the number of chunks of a message. Zero is unlimited.
	MaxChunkCount uint32

	// OnMessage is called with each complete message. The msgType is one of "OPN", "CLO" or "MSG".
	OnMessage func(msg ua.Decodable, msgType string, requestID uint32)
	// OnChunk is called with each accepted chunk of a request, and the time the chunk was fed.
	OnChunk func(requestID uint32, fed time.Time)
	// OnError is called when a chunk or message is rejected. The requestID is zero when it is not known.
	OnError func(err error, requestID uint32)
}

// tokenEntry is a security token and the options that unprotect the chunks secured by it.
type tokenEntry struct {
	tokenID   uint32
	expiresAt time.Time
	options   *SecurityOptions
}

// partialMessage is the body of a message received in more than one chunk.
type partialMessage struct {
	body       buffer.BufferAt
	chunkCount int
}

// MessageBuilder reassembles chunks into messages.
type MessageBuilder struct {
	sync.Mutex
	opts               BuilderOptions
	channelID          uint32
	lastSequenceNumber uint32
	sequenceNumberSet  bool
	current            *tokenEntry
	previous           deque.Deque[*tokenEntry]
	partial            map[uint32]*partialMessage
}

// NewMessageBuilder returns a builder for the chunks of one secure channel.
func NewMessageBuilder(opts BuilderOptions) *MessageBuilder {
	return &MessageBuilder{
		opts:    opts,
		partial: make(map[uint32]*partialMessage),
	}
}

// SecureChannelID returns the channel id learned from the first OPN response, or zero.
func (b *MessageBuilder) SecureChannelID() uint32 {
	b.Lock()
	defer b.Unlock()
	return b.channelID
}

// PushNewToken makes the token current. The token it replaces is kept until its lifetime ends,
// plus a quarter of its lifetime, so responses secured by it can still be read.
// The keys are the keys derived for the sender of the chunks.
func (b *MessageBuilder) PushNewToken(token *ua.ChannelSecurityToken, keys *ua.DerivedKeys) error {
	options, err := NewSymmetricSecurityOptions(b.opts.SecurityPolicy, b.opts.SecurityMode, nil, keys)
	if err != nil {
		return err
	}
	lifetime := time.Duration(token.RevisedLifetime) * time.Millisecond
	entry := &tokenEntry{
		tokenID:   token.TokenID,
		expiresAt: time.Now().Add(lifetime + lifetime/4),
		options:   options,
	}
	b.Lock()
	defer b.Unlock()
	if b.current != nil {
		b.previous.PushBack(b.current)
	}
	b.current = entry
	if b.channelID == 0 {
		b.channelID = token.ChannelID
	}
	b.pruneTokens(time.Now())
	return nil
}

// pruneTokens removes the expired tokens that were replaced.
func (b *MessageBuilder) pruneTokens(now time.Time) {
	for b.previous.Len() > 0 && now.After(b.previous.Front().expiresAt) {
		b.previous.PopFront()
	}
}

// findToken returns the token with the given id.
func (b *MessageBuilder) findToken(tokenID uint32) (*tokenEntry, bool) {
	if b.current != nil && b.current.tokenID == tokenID {
		return b.current, true
	}
	b.pruneTokens(time.Now())
	for i := 0; i < b.previous.Len(); i++ {
		if e := b.previous.At(i); e.tokenID == tokenID {
			return e, true
		}
	}
	return nil, false
}

// result is the outcome of one chunk, reported after the lock is released.
type result struct {
	msg       ua.Decodable
	msgType   string
	requestID uint32
	err       error
}

// Feed reassembles one chunk. A complete message is reported to OnMessage, a rejected chunk to OnError.
// The returned error is non-nil when the chunk could not be framed, and the builder should not be fed again.
func (b *MessageBuilder) Feed(chunk []byte) error {
	fed := time.Now()
	res, fatal := b.feed(chunk)
	if res.err == nil && res.requestID != 0 && b.opts.OnChunk != nil {
		b.opts.OnChunk(res.requestID, fed)
	}
	switch {
	case res.err != nil:
		if b.opts.OnError != nil {
			b.opts.OnError(res.err, res.requestID)
		}
	case res.msg != nil:
		if b.opts.OnMessage != nil {
			b.opts.OnMessage(res.msg, res.msgType, res.requestID)
		}
	}
	if fatal {
		return res.err
	}
	return nil
}

// feed returns the outcome of the chunk, and whether the error is fatal to the channel.
func (b *MessageBuilder) feed(chunk []byte) (result, bool) {
	b.Lock()
	defer b.Unlock()

	if len(chunk) < 8 {
		return result{err: ua.BadDecodingError}, true
	}
	messageType := binary.LittleEndian.Uint32(chunk[0:4])
	if binary.LittleEndian.Uint32(chunk[4:8]) != uint32(len(chunk)) {
		return result{err: ua.BadDecodingError}, true
	}

	switch messageType {
	case ua.MessageTypeError:
		return result{err: decodeError(chunk[8:], "server error")}, true
	case ua.MessageTypeOpenFinal:
		return b.feedAsymmetric(chunk)
	case ua.MessageTypeFinal, ua.MessageTypeChunk, ua.MessageTypeAbort, ua.MessageTypeCloseFinal:
		return b.feedSymmetric(chunk, messageType)
	default:
		return result{err: ua.BadTCPMessageTypeInvalid}, true
	}
}

// feedAsymmetric reads an OPN chunk.
func (b *MessageBuilder) feedAsymmetric(chunk []byte) (result, bool) {
	r := bytes.NewReader(chunk[8:])
	dec := ua.NewBinaryDecoder(r)
	var secureChannelID uint32
	if err := dec.ReadUInt32(&secureChannelID); err != nil {
		return result{err: ua.BadDecodingError}, true
	}
	header := &AsymmetricSecurityHeader{}
	if err := header.decode(dec); err != nil {
		return result{err: ua.BadDecodingError}, true
	}
	if b.opts.SecurityPolicy != nil && header.SecurityPolicyURI != b.opts.SecurityPolicy.PolicyURI() {
		return result{err: ua.BadSecurityPolicyRejected}, true
	}
	headerSize := len(chunk) - r.Len()

	data, err := b.unprotect(chunk, headerSize, b.opts.Asymmetric)
	if err != nil {
		return result{err: err}, true
	}
	sequenceNumber := binary.LittleEndian.Uint32(data[headerSize:])
	requestID := binary.LittleEndian.Uint32(data[headerSize+4:])
	if err := b.checkSequenceNumber(sequenceNumber); err != nil {
		return result{err: err, requestID: requestID}, true
	}
	if b.channelID == 0 {
		b.channelID = secureChannelID
	} else if secureChannelID != b.channelID {
		return result{err: ua.BadTCPSecureChannelUnknown, requestID: requestID}, true
	}

	msg, err := b.decode(data[headerSize+sequenceHeaderSize:])
	if err != nil {
		return result{err: err, requestID: requestID}, false
	}
	return result{msg: msg, msgType: ua.MessageTypeNameOpen, requestID: requestID}, false
}

// feedSymmetric reads a MSG or CLO chunk.
func (b *MessageBuilder) feedSymmetric(chunk []byte, messageType uint32) (result, bool) {
	if len(chunk) < symmetricHeaderSize+sequenceHeaderSize {
		return result{err: ua.BadDecodingError}, true
	}
	secureChannelID := binary.LittleEndian.Uint32(chunk[8:12])
	tokenID := binary.LittleEndian.Uint32(chunk[12:16])
	if b.channelID != 0 && secureChannelID != b.channelID {
		return result{err: ua.BadTCPSecureChannelUnknown}, true
	}
	var options *SecurityOptions
	if b.opts.SecurityMode != ua.MessageSecurityModeNone {
		entry, ok := b.findToken(tokenID)
		if !ok {
			return result{err: ua.BadSecureChannelTokenUnknown}, true
		}
		options = entry.options
	}

	data, err := b.unprotect(chunk, symmetricHeaderSize, options)
	if err != nil {
		return result{err: err}, true
	}
	sequenceNumber := binary.LittleEndian.Uint32(data[symmetricHeaderSize:])
	requestID := binary.LittleEndian.Uint32(data[symmetricHeaderSize+4:])
	if err := b.checkSequenceNumber(sequenceNumber); err != nil {
		return result{err: err, requestID: requestID}, true
	}
	body := data[symmetricHeaderSize+sequenceHeaderSize:]

	switch messageType {
	case ua.MessageTypeAbort:
		b.discard(requestID)
		return result{err: decodeError(body, "message aborted"), requestID: requestID}, false

	case ua.MessageTypeChunk:
		p, ok := b.partial[requestID]
		if !ok {
			p = &partialMessage{body: buffer.NewPartitionAt(bufferPool)}
			b.partial[requestID] = p
		}
		if err := b.append(p, body); err != nil {
			b.discard(requestID)
			return result{err: err, requestID: requestID}, false
		}
		return result{requestID: requestID}, false

	default:
		if p, ok := b.partial[requestID]; ok {
			if err := b.append(p, body); err != nil {
				b.discard(requestID)
				return result{err: err, requestID: requestID}, false
			}
			body = make([]byte, p.body.Len())
			if _, err := io.ReadFull(p.body, body); err != nil {
				b.discard(requestID)
				return result{err: ua.BadDecodingError, requestID: requestID}, false
			}
			b.discard(requestID)
		} else if b.opts.MaxMessageSize > 0 && len(body) > int(b.opts.MaxMessageSize) {
			return result{err: ua.BadTCPMessageTooLarge, requestID: requestID}, false
		}
		msg, err := b.decode(body)
		if err != nil {
			return result{err: err, requestID: requestID}, false
		}
		msgType := ua.MessageTypeNameMessage
		if messageType == ua.MessageTypeCloseFinal {
			msgType = ua.MessageTypeNameClose
		}
		return result{msg: msg, msgType: msgType, requestID: requestID}, false
	}
}

// append adds a chunk body to a partial message, checking the limits.
func (b *MessageBuilder) append(p *partialMessage, body []byte) error {
	p.chunkCount++
	if b.opts.MaxChunkCount > 0 && p.chunkCount > int(b.opts.MaxChunkCount) {
		return ua.BadEncodingLimitsExceeded
	}
	if b.opts.MaxMessageSize > 0 && p.body.Len()+int64(len(body)) > int64(b.opts.MaxMessageSize) {
		return ua.BadTCPMessageTooLarge
	}
	if _, err := p.body.Write(body); err != nil {
		return ua.BadTCPNotEnoughResources
	}
	return nil
}

// discard drops the partial message of a request.
func (b *MessageBuilder) discard(requestID uint32) {
	if p, ok := b.partial[requestID]; ok {
		p.body.Reset()
		delete(b.partial, requestID)
	}
}

// unprotect decrypts the chunk, verifies the signature and returns the chunk without padding and signature.
func (b *MessageBuilder) unprotect(chunk []byte, headerSize int, options *SecurityOptions) ([]byte, error) {
	data := chunk
	if options != nil && options.Decrypt != nil {
		plainText, err := options.Decrypt(chunk[headerSize:])
		if err != nil {
			return nil, ua.BadSecurityChecksFailed
		}
		data = append(chunk[:headerSize:headerSize], plainText...)
	}
	end := len(data)
	if options != nil && options.Verify != nil {
		start := end - options.RemoteSignatureLength
		if start < headerSize+sequenceHeaderSize {
			return nil, ua.BadSecurityChecksFailed
		}
		if err := options.Verify(data[:start], data[start:end]); err != nil {
			return nil, ua.BadSecurityChecksFailed
		}
		end = start
	}
	if options != nil && options.Decrypt != nil {
		var paddingSize int
		paddingHeaderSize := 1
		if options.RemoteCipherBlockSize > largePaddingBlockSize {
			paddingHeaderSize = 2
			if end < 2 {
				return nil, ua.BadSecurityChecksFailed
			}
			paddingSize = int(binary.LittleEndian.Uint16(data[end-2 : end]))
		} else {
			if end < 1 {
				return nil, ua.BadSecurityChecksFailed
			}
			paddingSize = int(data[end-1])
		}
		end -= paddingHeaderSize + paddingSize
	}
	if end < headerSize+sequenceHeaderSize {
		return nil, ua.BadSecurityChecksFailed
	}
	return data[:end], nil
}

// checkSequenceNumber requires each sequence number to follow the last one.
func (b *MessageBuilder) checkSequenceNumber(sequenceNumber uint32) error {
	if b.sequenceNumberSet {
		expected := b.lastSequenceNumber + 1
		if b.lastSequenceNumber == math.MaxUint32 {
			expected = 1
		}
		wrapped := b.lastSequenceNumber > sequenceNumberWrapThreshold && sequenceNumber < sequenceNumberWrapLimit
		if sequenceNumber != expected && !wrapped {
			return ua.BadSequenceNumberInvalid
		}
	}
	b.lastSequenceNumber = sequenceNumber
	b.sequenceNumberSet = true
	return nil
}

// decode reads the encoding id and the message.
func (b *MessageBuilder) decode(body []byte) (ua.Decodable, error) {
	msg, err := ua.NewBinaryDecoder(bytes.NewReader(body)).Decode()
	if err != nil {
		return nil, ua.BadDecodingError
	}
	return msg, nil
}

// decodeError reads the status code and reason of an ERR chunk or an aborted message.
func decodeError(body []byte, msg string) error {
	dec := ua.NewBinaryDecoder(bytes.NewReader(body))
	var code ua.StatusCode
	if err := dec.ReadStatusCode(&code); err != nil {
		return ua.BadDecodingError
	}
	var reason string
	dec.ReadString(&reason)
	if reason == "" {
		return code
	}
	return errors.Wrapf(code, "%s: %s", msg, reason)
}
