package nfs4

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

func encodeExchangeIDArgs(t *testing.T, verifier [8]byte, ownerID []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(verifier[:])
	require.NoError(t, xdr.WriteXDROpaque(&buf, ownerID))
	require.NoError(t, xdr.WriteUint32(&buf, 0)) // eia_flags
	require.NoError(t, xdr.WriteUint32(&buf, sp4None))
	require.NoError(t, xdr.WriteUint32(&buf, 0)) // eia_client_impl_id<1>, empty
	return buf.Bytes()
}

func doExchangeID(t *testing.T, h *Handler, ownerID string) uint64 {
	t.Helper()
	args := encodeExchangeIDArgs(t, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, []byte(ownerID))
	body := encodeCompoundBody(t, 1, op(OpExchangeID, args))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, r := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	_, err = xdr.DecodeUint32(r) // echoed opcode
	require.NoError(t, err)
	opStatus, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, OK, opStatus)
	clientID, err := xdr.DecodeUint64(r)
	require.NoError(t, err)
	return clientID
}

func encodeCreateSessionArgs(t *testing.T, clientID uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xdr.WriteUint64(&buf, clientID))
	require.NoError(t, xdr.WriteUint32(&buf, 1)) // csa_sequence
	require.NoError(t, xdr.WriteUint32(&buf, CreateSession4FlagConnBackChan))
	writeChannelAttrs4(&buf, SlotCount)
	writeChannelAttrs4(&buf, SlotCount)
	require.NoError(t, xdr.WriteUint32(&buf, 0)) // csa_cb_program
	require.NoError(t, xdr.WriteUint32(&buf, 0)) // csa_sec_parms<>, empty
	return buf.Bytes()
}

func doCreateSession(t *testing.T, h *Handler, clientID uint64) SessionID {
	t.Helper()
	body := encodeCompoundBody(t, 1, op(OpCreateSession, encodeCreateSessionArgs(t, clientID)))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, r := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	_, err = xdr.DecodeUint32(r) // echoed opcode
	require.NoError(t, err)
	opStatus, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, OK, opStatus)
	var id SessionID
	n, err := r.Read(id[:])
	require.NoError(t, err)
	require.Equal(t, len(id), n)
	return id
}

func TestExchangeIDThenCreateSession(t *testing.T) {
	h, _ := newTestHandler(t)

	clientID := doExchangeID(t, h, "client-a")
	sessID := doCreateSession(t, h, clientID)

	sess, ok := h.Clients.Session(sessID)
	require.True(t, ok)
	require.Equal(t, clientID, sess.ClientID)
	require.NotNil(t, sess.Back)
}

func TestExchangeIDIsIdempotentForSameOwner(t *testing.T) {
	h, _ := newTestHandler(t)

	id1 := doExchangeID(t, h, "same-owner")
	id2 := doExchangeID(t, h, "same-owner")
	require.Equal(t, id1, id2)
}

func TestSequenceEstablishesSessionContext(t *testing.T) {
	h, _ := newTestHandler(t)

	clientID := doExchangeID(t, h, "client-b")
	sessID := doCreateSession(t, h, clientID)

	var seqArgs bytes.Buffer
	seqArgs.Write(sessID[:])
	require.NoError(t, xdr.WriteUint32(&seqArgs, 1)) // sa_sequenceid
	require.NoError(t, xdr.WriteUint32(&seqArgs, 0)) // sa_slotid
	require.NoError(t, xdr.WriteUint32(&seqArgs, 0)) // sa_highest_slotid
	require.NoError(t, xdr.WriteBool(&seqArgs, false))

	body := encodeCompoundBody(t, 1,
		op(OpSequence, seqArgs.Bytes()),
		op(OpPutRootFH, nil),
		op(OpGetFH, nil),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, n, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	require.Equal(t, uint32(3), n)
}

func TestSequenceRejectsUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t)

	var seqArgs bytes.Buffer
	var bogus SessionID
	seqArgs.Write(bogus[:])
	require.NoError(t, xdr.WriteUint32(&seqArgs, 1))
	require.NoError(t, xdr.WriteUint32(&seqArgs, 0))
	require.NoError(t, xdr.WriteUint32(&seqArgs, 0))
	require.NoError(t, xdr.WriteBool(&seqArgs, false))

	body := encodeCompoundBody(t, 1, op(OpSequence, seqArgs.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, ErrBadSession, status)
}

func TestDestroySessionRemovesSession(t *testing.T) {
	h, _ := newTestHandler(t)

	clientID := doExchangeID(t, h, "client-c")
	sessID := doCreateSession(t, h, clientID)

	var args bytes.Buffer
	args.Write(sessID[:])
	body := encodeCompoundBody(t, 1, op(OpDestroySession, args.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)

	_, ok := h.Clients.Session(sessID)
	require.False(t, ok)
}

func TestSetClientIDThenConfirm(t *testing.T) {
	h, _ := newTestHandler(t)

	var scArgs bytes.Buffer
	scArgs.Write([8]byte{9, 9, 9, 9, 9, 9, 9, 9}[:])
	require.NoError(t, xdr.WriteXDROpaque(&scArgs, []byte("owner-v40")))
	require.NoError(t, xdr.WriteUint32(&scArgs, 0)) // cb_program
	require.NoError(t, xdr.WriteXDRString(&scArgs, ""))
	require.NoError(t, xdr.WriteXDRString(&scArgs, ""))
	require.NoError(t, xdr.WriteUint32(&scArgs, 0)) // callback_ident

	body := encodeCompoundBody(t, 0, op(OpSetClientID, scArgs.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, r := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	_, err = xdr.DecodeUint32(r) // echoed opcode
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // op status
	require.NoError(t, err)
	clientID, err := xdr.DecodeUint64(r)
	require.NoError(t, err)
	var confirm [8]byte
	n, err := r.Read(confirm[:])
	require.NoError(t, err)
	require.Equal(t, 8, n)

	var confirmArgs bytes.Buffer
	require.NoError(t, xdr.WriteUint64(&confirmArgs, clientID))
	confirmArgs.Write(confirm[:])
	confirmBody := encodeCompoundBody(t, 0, op(OpSetClientIDConfirm, confirmArgs.Bytes()))
	confirmReply, err := h.Compound(context.Background(), vfs.Root, confirmBody)
	require.NoError(t, err)
	confirmStatus, _, _ := decodeCompoundReplyHeader(t, confirmReply)
	require.Equal(t, OK, confirmStatus)

	c, ok := h.Clients.Client(clientID)
	require.True(t, ok)
	require.True(t, c.Confirmed)
}

func TestRenewUnknownClientFails(t *testing.T) {
	h, _ := newTestHandler(t)

	var args bytes.Buffer
	require.NoError(t, xdr.WriteUint64(&args, 0xdeadbeef))
	body := encodeCompoundBody(t, 0, op(OpRenew, args.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, ErrStaleClientID, status)
}

func TestSecinfoNoNameOffersAuthSys(t *testing.T) {
	h, root := newTestHandler(t)

	var args bytes.Buffer
	require.NoError(t, xdr.WriteUint32(&args, 0)) // SECINFO_STYLE4_CURRENT_FH

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpSecinfoNoName, args.Bytes()),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, n, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	require.Equal(t, uint32(2), n)
}

func TestReclaimCompleteAcknowledges(t *testing.T) {
	h, _ := newTestHandler(t)

	var args bytes.Buffer
	require.NoError(t, xdr.WriteBool(&args, true))
	body := encodeCompoundBody(t, 0, op(OpReclaimComplete, args.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
}

func TestReleaseLockownerAcknowledges(t *testing.T) {
	h, _ := newTestHandler(t)

	var args bytes.Buffer
	require.NoError(t, xdr.WriteUint64(&args, 1))
	require.NoError(t, xdr.WriteXDROpaque(&args, []byte("owner")))
	body := encodeCompoundBody(t, 0, op(OpReleaseLockowner, args.Bytes()))
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
}
