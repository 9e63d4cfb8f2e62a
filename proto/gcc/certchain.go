package gcc

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"io"
	"math/big"

	"github.com/kdsmith18542/rdpmitm/core"
)

// CertBlob is one DER certificate inside an X509CertificateChain.
// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-rdpele/ad3d569f-9f38-4a33-ae41-071b55885376
type CertBlob struct {
	CbCert uint32
	AbCert []byte
}

// X509CertificateChain is the CERT_CHAIN_VERSION_2 server certificate
// form: a root-to-leaf chain of DER certificates. Real servers send it
// when licensing-grade certificates are provisioned; the MITM only ever
// needs the leaf's RSA public key (to encrypt the outbound half's
// client random), never to verify the chain.
// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-rdpele/bf2cc9cc-2b01-442e-a288-6ddfa3b80d59
type X509CertificateChain struct {
	NumCertBlobs  uint32 // between 2 and 200 per spec
	CertBlobArray []CertBlob
	Padding       []byte // 8 + 4*NumCertBlobs bytes appended after the array
}

func (p *X509CertificateChain) Read(r io.Reader) {
	core.ReadLE(r, &p.NumCertBlobs)
	p.CertBlobArray = make([]CertBlob, p.NumCertBlobs)
	for i := range p.CertBlobArray {
		core.ReadLE(r, &p.CertBlobArray[i].CbCert)
		p.CertBlobArray[i].AbCert = core.ReadBytes(r, int(p.CertBlobArray[i].CbCert))
	}
	p.Padding = core.ReadBytes(r, int(8+4*p.NumCertBlobs))
}

func (p *X509CertificateChain) Write(w io.Writer) {
	core.WriteLE(w, p.NumCertBlobs)
	for _, blob := range p.CertBlobArray {
		core.WriteLE(w, blob.CbCert)
		core.WriteFull(w, blob.AbCert)
	}
	core.WriteFull(w, p.Padding)
}

// PublicKey extracts the RSA public key from the chain's leaf (last)
// certificate.
func (p *X509CertificateChain) PublicKey() *rsa.PublicKey {
	core.ThrowIf(len(p.CertBlobArray) == 0, "empty certificate chain")
	leaf, err := x509.ParseCertificate(p.CertBlobArray[len(p.CertBlobArray)-1].AbCert)
	core.ThrowError(err)
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	core.ThrowIf(!ok, "server certificate key is not RSA")
	return pub
}

// PublicKey extracts the RSA public key from a proprietary certificate,
// undoing the little-endian modulus encoding.
func (c *ProprietaryCertificate) PublicKey() *rsa.PublicKey {
	core.ThrowIf(int(c.KeyLen) < 8, "short RSA_PUBLIC_KEY")
	modulus := c.Modulus[:c.KeyLen-8] // strip the 8-byte zero padding
	be := make([]byte, len(modulus))
	for i, b := range modulus {
		be[len(modulus)-1-i] = b
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(be), E: int(c.PublicExponent)}
}

// ParseServerPublicKey pulls the RSA public key out of a raw
// serverCertificate blob of either chain version; the outbound half
// uses it to encrypt its client random for the real server, since the
// substitute-key rewrite only ever happens on the client-facing copy.
func ParseServerPublicKey(raw []byte) *rsa.PublicKey {
	r := bytes.NewReader(raw)
	switch CertChainVersion(raw) {
	case CERT_CHAIN_VERSION_1:
		cert := &ProprietaryCertificate{}
		cert.Read(r)
		return cert.PublicKey()
	case CERT_CHAIN_VERSION_2:
		var version uint32
		core.ReadLE(r, &version)
		chain := &X509CertificateChain{}
		chain.Read(r)
		return chain.PublicKey()
	default:
		core.ThrowErrorf("unsupported server certificate chain version %d", CertChainVersion(raw))
		return nil
	}
}
