package credentials

import (
	"encoding/asn1"
	"encoding/pem"
	"fmt"

	"github.com/mattersecure/core/pkg/credentials/der"
)

// matterToX509BufSize is sized from MaxDERCertSize plus slack for the
// signature ASN.1 wrapper and extension OCTET STRING wrappers, which are not
// themselves bounded by the Matter TLV certificate size limit.
const matterToX509BufSize = MaxDERCertSize + 256

// MatterToX509 converts a Matter TLV Certificate to X.509 DER format,
// streaming the encoding directly through a der.Writer rather than building
// an intermediate Go struct tree and handing it to encoding/asn1.
func MatterToX509(cert *Certificate) ([]byte, error) {
	buf := make([]byte, matterToX509BufSize)
	w := der.NewWriter(buf)

	if err := w.StartSequence(); err != nil { // Certificate
		return nil, err
	}

	if err := writeTBSCertificate(w, cert); err != nil {
		return nil, err
	}
	if err := writeSignatureAlgorithm(w, cert.SigAlgo); err != nil {
		return nil, err
	}

	sigDER, err := convertRawSignatureToASN1(cert.Signature)
	if err != nil {
		return nil, err
	}
	if err := w.BitString(false, sigDER); err != nil {
		return nil, err
	}

	if err := w.EndSequence(); err != nil {
		return nil, err
	}

	out := make([]byte, len(w.Bytes()))
	copy(out, w.Bytes())
	return out, nil
}

// tbsCertificateDER returns the DER encoding of just the TBSCertificate
// portion (no outer Certificate SEQUENCE, no signature). This is the byte
// string a Matter certificate's signature is computed over, so chain
// verification hashes and verifies exactly this slice rather than the full
// MatterToX509 output.
func tbsCertificateDER(cert *Certificate) ([]byte, error) {
	buf := make([]byte, matterToX509BufSize)
	w := der.NewWriter(buf)
	if err := writeTBSCertificate(w, cert); err != nil {
		return nil, err
	}
	out := make([]byte, len(w.Bytes()))
	copy(out, w.Bytes())
	return out, nil
}

// MatterToX509PEM converts a Matter TLV Certificate to PEM format.
func MatterToX509PEM(cert *Certificate) ([]byte, error) {
	derBytes, err := MatterToX509(cert)
	if err != nil {
		return nil, err
	}

	block := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	}

	return pem.EncodeToMemory(block), nil
}

func writeTBSCertificate(w *der.Writer, cert *Certificate) error {
	if err := w.StartSequence(); err != nil { // TBSCertificate
		return err
	}

	// version [0] EXPLICIT INTEGER, always v3 (2).
	if err := w.StartContext(0); err != nil {
		return err
	}
	if err := w.Integer([]byte{0x02}); err != nil {
		return err
	}
	if err := w.EndContext(); err != nil {
		return err
	}

	if err := w.Integer(normalizeInteger(cert.SerialNum)); err != nil {
		return fmt.Errorf("serial number: %w", err)
	}

	if err := writeSignatureAlgorithm(w, cert.SigAlgo); err != nil {
		return err
	}

	if err := writeX509Name(w, cert.Issuer); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}

	if err := w.StartSequence(); err != nil { // Validity
		return err
	}
	if err := w.UTCTime(cert.NotBefore); err != nil {
		return err
	}
	if err := writeNotAfter(w, cert.NotAfter); err != nil {
		return err
	}
	if err := w.EndSequence(); err != nil {
		return err
	}

	if err := writeX509Name(w, cert.Subject); err != nil {
		return fmt.Errorf("subject: %w", err)
	}

	if err := writeSubjectPublicKeyInfo(w, cert.ECPubKey); err != nil {
		return err
	}

	if err := writeX509Extensions(w, cert); err != nil {
		return err
	}

	return w.EndSequence()
}

// writeNotAfter encodes the special "no well-defined expiration" value
// (NotAfter == 0) as 9999-12-31T23:59:59Z per spec.md certificate semantics.
// GeneralizedTime is used since UTCTime cannot represent year 9999.
func writeNotAfter(w *der.Writer, notAfter uint32) error {
	if notAfter == 0 {
		return w.GeneralizedTime("99991231235959Z")
	}
	return w.UTCTime(notAfter)
}

// normalizeInteger strips redundant leading 0x00 bytes and prepends one if
// needed so the value is unambiguously non-negative, per DER INTEGER rules.
func normalizeInteger(s []byte) []byte {
	for len(s) > 1 && s[0] == 0x00 && s[1] < 0x80 {
		s = s[1:]
	}
	if len(s) > 0 && s[0]&0x80 != 0 {
		return append([]byte{0x00}, s...)
	}
	if len(s) == 0 {
		return []byte{0x00}
	}
	return s
}

func writeSignatureAlgorithm(w *der.Writer, algo SignatureAlgo) error {
	if algo != SignatureAlgoECDSASHA256 {
		return fmt.Errorf("%w: %v", ErrInvalidSignatureAlgo, algo)
	}
	if err := w.StartSequence(); err != nil {
		return err
	}
	if err := w.OID(encodeOIDBody(OIDSignatureECDSAWithSHA256)); err != nil {
		return err
	}
	return w.EndSequence()
}

func writeSubjectPublicKeyInfo(w *der.Writer, pubKey []byte) error {
	if err := w.StartSequence(); err != nil {
		return err
	}
	if err := w.StartSequence(); err != nil {
		return err
	}
	if err := w.OID(encodeOIDBody(OIDPublicKeyECDSA)); err != nil {
		return err
	}
	if err := w.OID(encodeOIDBody(OIDNamedCurvePrime256v1)); err != nil {
		return err
	}
	if err := w.EndSequence(); err != nil {
		return err
	}
	if err := w.BitString(false, pubKey); err != nil {
		return err
	}
	return w.EndSequence()
}

func writeX509Name(w *der.Writer, dn DistinguishedName) error {
	if err := w.StartSequence(); err != nil {
		return err
	}
	for _, attr := range dn {
		if err := writeRDN(w, attr); err != nil {
			return err
		}
	}
	return w.EndSequence()
}

func writeRDN(w *der.Writer, attr DNAttribute) error {
	if err := w.StartSet(); err != nil {
		return err
	}
	if err := w.StartSequence(); err != nil {
		return err
	}

	baseTag := attr.BaseTag()
	oid := TagToOID(baseTag)
	if oid == nil {
		return fmt.Errorf("%w: unknown tag %d", ErrUnsupportedOID, attr.Tag)
	}
	if err := w.OID(encodeOIDBody(oid)); err != nil {
		return err
	}

	switch {
	case attr.IsMatterSpecific():
		byteLen := attr.MatterSpecificByteLength()
		s := MatterSpecificToHexString(attr.Uint64Value(), byteLen)
		if err := w.UTF8String(s); err != nil {
			return err
		}
	case attr.IsPrintableString():
		if err := w.PrintableString(attr.StringValue()); err != nil {
			return err
		}
	default:
		if err := w.UTF8String(attr.StringValue()); err != nil {
			return err
		}
	}

	if err := w.EndSequence(); err != nil {
		return err
	}
	return w.EndSet()
}

func writeX509Extensions(w *der.Writer, cert *Certificate) error {
	ext := cert.Extensions
	if ext.BasicConstraints == nil && ext.KeyUsage == nil && ext.ExtendedKeyUsage == nil &&
		ext.SubjectKeyID == nil && ext.AuthorityKeyID == nil && len(ext.FutureExtensions) == 0 {
		return nil
	}

	if err := w.StartContext(3); err != nil {
		return err
	}
	if err := w.StartSequence(); err != nil {
		return err
	}

	if ext.BasicConstraints != nil {
		if err := writeBasicConstraints(w, ext.BasicConstraints); err != nil {
			return err
		}
	}
	if ext.KeyUsage != nil {
		if err := writeKeyUsage(w, ext.KeyUsage.Usage); err != nil {
			return err
		}
	}
	if ext.ExtendedKeyUsage != nil {
		if err := writeExtendedKeyUsage(w, ext.ExtendedKeyUsage); err != nil {
			return err
		}
	}
	if ext.SubjectKeyID != nil {
		if err := writeSubjectKeyID(w, ext.SubjectKeyID); err != nil {
			return err
		}
	}
	if ext.AuthorityKeyID != nil {
		if err := writeAuthorityKeyID(w, ext.AuthorityKeyID); err != nil {
			return err
		}
	}
	for _, fe := range ext.FutureExtensions {
		// Future extensions carry only their raw value bytes in the TLV
		// (the OID is not preserved); they cannot be reconstructed into a
		// valid X.509 extension, so they are dropped from the DER output.
		_ = fe
	}

	if err := w.EndSequence(); err != nil {
		return err
	}
	return w.EndContext()
}

// extensionScratch sizes the scratch buffer used to build an extension's
// inner DER value before it is wrapped in the OCTET STRING envelope.
const extensionScratch = 64

func writeExtension(w *der.Writer, oid asn1.ObjectIdentifier, critical bool, value []byte) error {
	if err := w.StartSequence(); err != nil {
		return err
	}
	if err := w.OID(encodeOIDBody(oid)); err != nil {
		return err
	}
	if critical {
		if err := w.Bool(true); err != nil {
			return err
		}
	}
	if err := w.OctetString(value); err != nil {
		return err
	}
	return w.EndSequence()
}

func writeBasicConstraints(w *der.Writer, bc *BasicConstraints) error {
	scratch := make([]byte, extensionScratch)
	sw := der.NewWriter(scratch)
	if err := sw.StartSequence(); err != nil {
		return err
	}
	if bc.IsCA {
		if err := sw.Bool(true); err != nil {
			return err
		}
		if bc.PathLenConstraint != nil {
			if err := sw.Integer([]byte{*bc.PathLenConstraint}); err != nil {
				return err
			}
		}
	}
	if err := sw.EndSequence(); err != nil {
		return err
	}
	return writeExtension(w, OIDExtensionBasicConstraints, true, sw.Bytes())
}

func writeKeyUsage(w *der.Writer, ku KeyUsage) error {
	scratch := make([]byte, extensionScratch)
	sw := der.NewWriter(scratch)
	bits := []byte{byte(reverseKeyUsageBits(ku) >> 8), byte(reverseKeyUsageBits(ku))}
	if err := sw.BitString(true, bits); err != nil {
		return err
	}
	return writeExtension(w, OIDExtensionKeyUsage, true, sw.Bytes())
}

// reverseKeyUsageBits maps Matter's little-endian-ordered KeyUsage flags
// (bit 0 = digitalSignature) onto the MSB-first bit order X.509 KeyUsage
// uses (spec.md §6.1.1 describes the Matter-side flags; X.509 §4.2.1.3
// fixes the ASN.1 BIT STRING bit order).
func reverseKeyUsageBits(ku KeyUsage) uint16 {
	var out uint16
	for i := 0; i < 9; i++ {
		if ku&(1<<i) != 0 {
			out |= 1 << (15 - i)
		}
	}
	return out
}

func writeExtendedKeyUsage(w *der.Writer, eku *ExtendedKeyUsageExt) error {
	scratch := make([]byte, extensionScratch)
	sw := der.NewWriter(scratch)
	if err := sw.StartSequence(); err != nil {
		return err
	}
	for _, kp := range eku.KeyPurposes {
		oid := KeyPurposeToOID(kp)
		if oid == nil {
			continue
		}
		if err := sw.OID(encodeOIDBody(oid)); err != nil {
			return err
		}
	}
	if err := sw.EndSequence(); err != nil {
		return err
	}
	return writeExtension(w, OIDExtensionExtKeyUsage, true, sw.Bytes())
}

func writeSubjectKeyID(w *der.Writer, ski *SubjectKeyIDExt) error {
	scratch := make([]byte, extensionScratch)
	sw := der.NewWriter(scratch)
	if err := sw.OctetString(ski.KeyID[:]); err != nil {
		return err
	}
	return writeExtension(w, OIDExtensionSubjectKeyID, false, sw.Bytes())
}

func writeAuthorityKeyID(w *der.Writer, aki *AuthorityKeyIDExt) error {
	scratch := make([]byte, extensionScratch)
	sw := der.NewWriter(scratch)
	if err := sw.StartSequence(); err != nil {
		return err
	}
	if err := sw.ContextPrimitive(0, aki.KeyID[:]); err != nil {
		return err
	}
	if err := sw.EndSequence(); err != nil {
		return err
	}
	return writeExtension(w, OIDExtensionAuthorityKeyID, false, sw.Bytes())
}

// convertRawSignatureToASN1 converts a raw r||s ECDSA signature to ASN.1 DER
// SEQUENCE { r INTEGER, s INTEGER } format.
func convertRawSignatureToASN1(raw []byte) ([]byte, error) {
	if len(raw) != SignatureSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureSize, len(raw))
	}

	buf := make([]byte, 80)
	w := der.NewWriter(buf)
	if err := w.StartSequence(); err != nil {
		return nil, err
	}
	if err := w.Integer(normalizeInteger(raw[:32])); err != nil {
		return nil, err
	}
	if err := w.Integer(normalizeInteger(raw[32:])); err != nil {
		return nil, err
	}
	if err := w.EndSequence(); err != nil {
		return nil, err
	}

	out := make([]byte, len(w.Bytes()))
	copy(out, w.Bytes())
	return out, nil
}

// encodeOIDBody encodes an OID's arcs into DER's base-128 body encoding
// (the bytes that follow the 0x06 tag and length).
func encodeOIDBody(oid asn1.ObjectIdentifier) []byte {
	var out []byte
	out = appendBase128(out, oid[0]*40+oid[1])
	for _, arc := range oid[2:] {
		out = appendBase128(out, arc)
	}
	return out
}

func appendBase128(out []byte, v int) []byte {
	if v == 0 {
		return append(out, 0)
	}
	var tmp [8]byte
	n := 0
	for v > 0 {
		tmp[n] = byte(v & 0x7f)
		v >>= 7
		n++
	}
	for i := n - 1; i >= 0; i-- {
		b := tmp[i]
		if i != 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
