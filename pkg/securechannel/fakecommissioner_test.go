package securechannel

// fakeCommissioner drives the Prover/initiator side of a PASE handshake for
// Manager tests. This core never implements that role itself, so the test
// reimplements the SPAKE2+ Prover math directly rather than reusing any
// unexported identifier from pkg/crypto/spake2p.

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/mattersecure/core/pkg/crypto"
	"github.com/mattersecure/core/pkg/securechannel/pase"
)

var fcCurve = elliptic.P256()

// Same SPAKE2+ P256 generator points as pkg/crypto/spake2p.
var (
	fcPointMBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	fcPointNBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}
)

func fcDecodePoint(data []byte) (x, y *big.Int) {
	return new(big.Int).SetBytes(data[1:33]), new(big.Int).SetBytes(data[33:65])
}

func fcEncodePoint(x, y *big.Int) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	return out
}

func fcScalarMult(px, py, k *big.Int) (x, y *big.Int) {
	return fcCurve.ScalarMult(px, py, k.Bytes())
}

func fcPointSub(p1x, p1y, p2x, p2y *big.Int) (x, y *big.Int) {
	negY := new(big.Int).Neg(p2y)
	negY.Mod(negY, fcCurve.Params().P)
	return fcCurve.Add(p1x, p1y, p2x, negY)
}

func fcComputeShare(random, w0, genX, genY *big.Int) (x, y *big.Int) {
	rPx, rPy := fcCurve.ScalarBaseMult(random.Bytes())
	w0Gx, w0Gy := fcScalarMult(genX, genY, w0)
	return fcCurve.Add(rPx, rPy, w0Gx, w0Gy)
}

func fcGenerateRandomScalar(r io.Reader) (*big.Int, error) {
	n := fcCurve.Params().N
	for {
		b := make([]byte, 32)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		k := new(big.Int).SetBytes(b)
		if k.Sign() > 0 && k.Cmp(n) < 0 {
			return k, nil
		}
	}
}

func fcHMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func fcAppendWithLen64(dst, data []byte) []byte {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, data...)
	return dst
}

type fakeCommissioner struct {
	passcode uint32
	salt     []byte
	iters    uint32

	localSessionID uint16

	w0, w1 *big.Int
	x      *big.Int
	shareX []byte

	pbkdfReqBytes  []byte
	pbkdfRespBytes []byte
	context        []byte

	Ka, Ke, KcA, KcB []byte
}

func newFakeCommissioner(passcode uint32, salt []byte, iters uint32) *fakeCommissioner {
	return &fakeCommissioner{passcode: passcode, salt: salt, iters: iters}
}

func (c *fakeCommissioner) start(localSessionID uint16) ([]byte, error) {
	var localRandom [pase.RandomSize]byte
	if _, err := io.ReadFull(rand.Reader, localRandom[:]); err != nil {
		return nil, err
	}
	c.localSessionID = localSessionID

	req := &pase.PBKDFParamRequest{
		InitiatorRandom:    localRandom,
		InitiatorSessionID: localSessionID,
		PasscodeID:         pase.DefaultPasscodeID,
		HasPBKDFParameters: c.salt != nil,
	}
	if req.HasPBKDFParameters {
		req.PBKDFParams = &pase.PBKDFParameters{Iterations: c.iters, Salt: c.salt}
	}

	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	c.pbkdfReqBytes = data
	return data, nil
}

func (c *fakeCommissioner) handlePBKDFParamResponse(data []byte) ([]byte, error) {
	resp, err := pase.DecodePBKDFParamResponse(data)
	if err != nil {
		return nil, err
	}
	c.pbkdfRespBytes = data

	if c.salt == nil {
		if resp.PBKDFParams == nil {
			return nil, pase.ErrInvalidMessage
		}
		c.salt = resp.PBKDFParams.Salt
		c.iters = resp.PBKDFParams.Iterations
	}

	w0, w1, err := pase.ComputeW0W1(c.passcode, c.salt, c.iters)
	if err != nil {
		return nil, err
	}
	c.w0 = new(big.Int).SetBytes(w0)
	c.w1 = new(big.Int).SetBytes(w1)

	h := sha256.New()
	h.Write([]byte(pase.ContextPrefix))
	h.Write(c.pbkdfReqBytes)
	h.Write(c.pbkdfRespBytes)
	c.context = h.Sum(nil)

	x, err := fcGenerateRandomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	c.x = x

	mx, my := fcDecodePoint(fcPointMBytes)
	Xx, Xy := fcComputeShare(x, c.w0, mx, my)
	c.shareX = fcEncodePoint(Xx, Xy)

	pake1 := &pase.Pake1{PA: c.shareX}
	return pake1.Encode()
}

func (c *fakeCommissioner) handlePake2(data []byte) ([]byte, error) {
	pake2, err := pase.DecodePake2(data)
	if err != nil {
		return nil, err
	}

	Yx, Yy := fcDecodePoint(pake2.PB)
	nx, ny := fcDecodePoint(fcPointNBytes)
	w0Nx, w0Ny := fcScalarMult(nx, ny, c.w0)
	diffX, diffY := fcPointSub(Yx, Yy, w0Nx, w0Ny)

	Zx, Zy := fcScalarMult(diffX, diffY, c.x)
	Vx, Vy := fcScalarMult(diffX, diffY, c.w1)
	Z := fcEncodePoint(Zx, Zy)
	V := fcEncodePoint(Vx, Vy)

	w0Bytes := make([]byte, 32)
	c.w0.FillBytes(w0Bytes)

	var tt []byte
	tt = fcAppendWithLen64(tt, c.context)
	tt = fcAppendWithLen64(tt, nil)
	tt = fcAppendWithLen64(tt, nil)
	tt = fcAppendWithLen64(tt, fcPointMBytes)
	tt = fcAppendWithLen64(tt, fcPointNBytes)
	tt = fcAppendWithLen64(tt, c.shareX)
	tt = fcAppendWithLen64(tt, pake2.PB)
	tt = fcAppendWithLen64(tt, Z)
	tt = fcAppendWithLen64(tt, V)
	tt = fcAppendWithLen64(tt, w0Bytes)

	Kae := sha256.Sum256(tt)
	c.Ka = append([]byte(nil), Kae[:16]...)
	c.Ke = append([]byte(nil), Kae[16:]...)

	kcab, err := crypto.HKDFSHA256(c.Ka, nil, []byte("ConfirmationKeys"), 32)
	if err != nil {
		return nil, err
	}
	c.KcA = append([]byte(nil), kcab[:16]...)
	c.KcB = append([]byte(nil), kcab[16:]...)

	expectedCB := fcHMACSHA256(c.KcB, c.shareX)
	if !hmac.Equal(expectedCB, pake2.CB) {
		return nil, pase.ErrConfirmationFailed
	}

	cA := fcHMACSHA256(c.KcA, pake2.PB)
	pake3 := &pase.Pake3{CA: cA}
	return pake3.Encode()
}

// sessionKeys derives I2R/R2I/attestation keys the same way the responder
// does, for comparison in tests.
func (c *fakeCommissioner) sessionKeys() (*pase.SessionKeys, error) {
	seKeys, err := crypto.HKDFSHA256(c.Ke, nil, []byte("SessionKeys"), 48)
	if err != nil {
		return nil, err
	}
	keys := &pase.SessionKeys{}
	copy(keys.I2RKey[:], seKeys[0:16])
	copy(keys.R2IKey[:], seKeys[16:32])
	copy(keys.AttestationChallenge[:], seKeys[32:48])
	return keys, nil
}
