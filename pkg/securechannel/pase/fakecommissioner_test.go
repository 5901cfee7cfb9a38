package pase

// A fake commissioner stands in for the Prover/initiator side of PASE,
// which this core never implements (it only ever plays the commissionee
// responder role). It reimplements the SPAKE2+ Prover math directly against
// crypto/elliptic + math/big rather than reusing package spake2p's
// unexported helpers, since this package cannot reach across that package
// boundary the way spake2p_test.go can for its own verifier-side tests.

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/mattersecure/core/pkg/crypto"
)

var fakeCurve = elliptic.P256()

// Same SPAKE2+ P256 generator points as pkg/crypto/spake2p.
var (
	fakePointMBytes = []byte{
		0x04, 0x88, 0x6e, 0x2f, 0x97, 0xac, 0xe4, 0x6e, 0x55, 0xba, 0x9d, 0xd7, 0x24, 0x25, 0x79, 0xf2, 0x99,
		0x3b, 0x64, 0xe1, 0x6e, 0xf3, 0xdc, 0xab, 0x95, 0xaf, 0xd4, 0x97, 0x33, 0x3d, 0x8f, 0xa1, 0x2f, 0x5f,
		0xf3, 0x55, 0x16, 0x3e, 0x43, 0xce, 0x22, 0x4e, 0x0b, 0x0e, 0x65, 0xff, 0x02, 0xac, 0x8e, 0x5c, 0x7b,
		0xe0, 0x94, 0x19, 0xc7, 0x85, 0xe0, 0xca, 0x54, 0x7d, 0x55, 0xa1, 0x2e, 0x2d, 0x20,
	}
	fakePointNBytes = []byte{
		0x04, 0xd8, 0xbb, 0xd6, 0xc6, 0x39, 0xc6, 0x29, 0x37, 0xb0, 0x4d, 0x99, 0x7f, 0x38, 0xc3, 0x77, 0x07,
		0x19, 0xc6, 0x29, 0xd7, 0x01, 0x4d, 0x49, 0xa2, 0x4b, 0x4f, 0x98, 0xba, 0xa1, 0x29, 0x2b, 0x49, 0x07,
		0xd6, 0x0a, 0xa6, 0xbf, 0xad, 0xe4, 0x50, 0x08, 0xa6, 0x36, 0x33, 0x7f, 0x51, 0x68, 0xc6, 0x4d, 0x9b,
		0xd3, 0x60, 0x34, 0x80, 0x8c, 0xd5, 0x64, 0x49, 0x0b, 0x1e, 0x65, 0x6e, 0xdb, 0xe7,
	}
)

func fakeDecodePoint(data []byte) (x, y *big.Int) {
	return new(big.Int).SetBytes(data[1:33]), new(big.Int).SetBytes(data[33:65])
}

func fakeEncodePoint(x, y *big.Int) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	return out
}

func fakeScalarMult(px, py, k *big.Int) (x, y *big.Int) {
	return fakeCurve.ScalarMult(px, py, k.Bytes())
}

func fakePointSub(p1x, p1y, p2x, p2y *big.Int) (x, y *big.Int) {
	negY := new(big.Int).Neg(p2y)
	negY.Mod(negY, fakeCurve.Params().P)
	return fakeCurve.Add(p1x, p1y, p2x, negY)
}

func fakeComputeShare(random, w0 *big.Int, genX, genY *big.Int) (x, y *big.Int) {
	rPx, rPy := fakeCurve.ScalarBaseMult(random.Bytes())
	w0Gx, w0Gy := fakeScalarMult(genX, genY, w0)
	return fakeCurve.Add(rPx, rPy, w0Gx, w0Gy)
}

func fakeGenerateRandomScalar(r io.Reader) (*big.Int, error) {
	n := fakeCurve.Params().N
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

func fakeHMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func fakeAppendWithLen64(dst, data []byte) []byte {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(data)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, data...)
	return dst
}

// fakeCommissioner drives the Prover side of a PASE handshake for tests.
type fakeCommissioner struct {
	passcode uint32
	salt     []byte
	iters    uint32

	localSessionID uint16
	peerSessionID  uint16

	w0, w1 *big.Int
	x      *big.Int // ephemeral scalar
	shareX []byte   // our share, X

	pbkdfReqBytes  []byte
	pbkdfRespBytes []byte
	context        []byte

	Ka, Ke, KcA, KcB []byte

	localRandom [RandomSize]byte
	peerRandom  [RandomSize]byte

	localMRPParams *MRPParameters
	peerMRPParams  *MRPParameters
}

// newFakeCommissioner creates a commissioner that already knows the PBKDF
// parameters (salt/iterations).
func newFakeCommissioner(passcode uint32, salt []byte, iters uint32) *fakeCommissioner {
	return &fakeCommissioner{passcode: passcode, salt: salt, iters: iters}
}

func (c *fakeCommissioner) start(localSessionID uint16) ([]byte, error) {
	if _, err := io.ReadFull(rand.Reader, c.localRandom[:]); err != nil {
		return nil, err
	}
	c.localSessionID = localSessionID

	req := &PBKDFParamRequest{
		InitiatorRandom:     c.localRandom,
		InitiatorSessionID:  localSessionID,
		PasscodeID:          DefaultPasscodeID,
		HasPBKDFParameters:  c.salt != nil,
		MRPParams:           c.localMRPParams,
	}
	if req.HasPBKDFParameters {
		req.PBKDFParams = &PBKDFParameters{Iterations: c.iters, Salt: c.salt}
	}

	data, err := req.Encode()
	if err != nil {
		return nil, err
	}
	c.pbkdfReqBytes = data
	return data, nil
}

func (c *fakeCommissioner) handlePBKDFParamResponse(data []byte) ([]byte, error) {
	resp, err := DecodePBKDFParamResponse(data)
	if err != nil {
		return nil, err
	}
	c.pbkdfRespBytes = data
	c.peerSessionID = resp.ResponderSessionID
	c.peerRandom = resp.ResponderRandom
	c.peerMRPParams = resp.MRPParams

	if c.salt == nil {
		if resp.PBKDFParams == nil {
			return nil, ErrInvalidMessage
		}
		c.salt = resp.PBKDFParams.Salt
		c.iters = resp.PBKDFParams.Iterations
	}

	w0, w1, err := ComputeW0W1(c.passcode, c.salt, c.iters)
	if err != nil {
		return nil, err
	}
	c.w0 = new(big.Int).SetBytes(w0)
	c.w1 = new(big.Int).SetBytes(w1)

	h := sha256.New()
	h.Write([]byte(ContextPrefix))
	h.Write(c.pbkdfReqBytes)
	h.Write(c.pbkdfRespBytes)
	c.context = h.Sum(nil)

	x, err := fakeGenerateRandomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	c.x = x

	mx, my := fakeDecodePoint(fakePointMBytes)
	Xx, Xy := fakeComputeShare(x, c.w0, mx, my)
	c.shareX = fakeEncodePoint(Xx, Xy)

	pake1 := &Pake1{PA: c.shareX}
	return pake1.Encode()
}

func (c *fakeCommissioner) handlePake2(data []byte) ([]byte, error) {
	pake2, err := DecodePake2(data)
	if err != nil {
		return nil, err
	}

	Yx, Yy := fakeDecodePoint(pake2.PB)
	nx, ny := fakeDecodePoint(fakePointNBytes)
	w0Nx, w0Ny := fakeScalarMult(nx, ny, c.w0)
	diffX, diffY := fakePointSub(Yx, Yy, w0Nx, w0Ny)

	Zx, Zy := fakeScalarMult(diffX, diffY, c.x)
	Vx, Vy := fakeScalarMult(diffX, diffY, c.w1)
	Z := fakeEncodePoint(Zx, Zy)
	V := fakeEncodePoint(Vx, Vy)

	w0Bytes := make([]byte, 32)
	c.w0.FillBytes(w0Bytes)

	var tt []byte
	tt = fakeAppendWithLen64(tt, c.context)
	tt = fakeAppendWithLen64(tt, nil)
	tt = fakeAppendWithLen64(tt, nil)
	tt = fakeAppendWithLen64(tt, fakePointMBytes)
	tt = fakeAppendWithLen64(tt, fakePointNBytes)
	tt = fakeAppendWithLen64(tt, c.shareX)
	tt = fakeAppendWithLen64(tt, pake2.PB)
	tt = fakeAppendWithLen64(tt, Z)
	tt = fakeAppendWithLen64(tt, V)
	tt = fakeAppendWithLen64(tt, w0Bytes)

	Kae := sha256.Sum256(tt)
	c.Ka = append([]byte(nil), Kae[:16]...)
	c.Ke = append([]byte(nil), Kae[16:]...)

	kcab, err := crypto.HKDFSHA256(c.Ka, nil, []byte("ConfirmationKeys"), 32)
	if err != nil {
		return nil, err
	}
	c.KcA = append([]byte(nil), kcab[:16]...)
	c.KcB = append([]byte(nil), kcab[16:]...)

	expectedCB := fakeHMACSHA256(c.KcB, c.shareX)
	if !hmac.Equal(expectedCB, pake2.CB) {
		return nil, ErrConfirmationFailed
	}

	cA := fakeHMACSHA256(c.KcA, pake2.PB)
	pake3 := &Pake3{CA: cA}
	return pake3.Encode()
}

// sessionKeys derives I2R/R2I/attestation keys the same way the responder
// does, for comparison in tests.
func (c *fakeCommissioner) sessionKeys() (*SessionKeys, error) {
	seKeys, err := crypto.HKDFSHA256(c.Ke, nil, []byte("SessionKeys"), 48)
	if err != nil {
		return nil, err
	}
	keys := &SessionKeys{}
	copy(keys.I2RKey[:], seKeys[0:16])
	copy(keys.R2IKey[:], seKeys[16:32])
	copy(keys.AttestationChallenge[:], seKeys[32:48])
	return keys, nil
}
