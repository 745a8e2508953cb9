package quic

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/dep2p/go-dsync/pkg/interfaces"
	"github.com/dep2p/go-dsync/pkg/types"
)

// alpn 应用层协议名
const alpn = "dsync/1"

// certValidity 自签名证书有效期
const certValidity = 180 * 24 * time.Hour

// newTLSConfigs 用身份私钥生成服务端与客户端 TLS 配置
//
// 证书直接由 ed25519 身份私钥自签名，对端 PeerID 从证书公钥派生，不可伪造。
// InsecureSkipVerify 关闭 CA 校验，身份校验由 verifyPeerCertificate 完成。
func newTLSConfigs(id interfaces.Identity) (server, client *tls.Config, err error) {
	if id == nil {
		return nil, nil, fmt.Errorf("quic: identity is nil")
	}
	priv := id.PrivateKey()
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, ErrUnsupportedKey
	}

	now := time.Now()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"dsync"},
			CommonName:   "dsync node " + id.PeerID().ShortString(),
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	server = &tls.Config{
		Certificates:          []tls.Certificate{cert},
		NextProtos:            []string{alpn},
		InsecureSkipVerify:    true,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerCertificate,
		MinVersion:            tls.VersionTLS13,
	}
	client = server.Clone()
	client.ClientAuth = tls.NoClientCert
	return server, client, nil
}

// verifyPeerCertificate 校验对端证书：ed25519 公钥、自签名、有效期
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	if _, err := peerFromCert(cert); err != nil {
		return err
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("invalid self-signature: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("certificate outside validity period: %v - %v", cert.NotBefore, cert.NotAfter)
	}
	return nil
}

// PeerFromConnState 从 TLS 连接状态提取对端 PeerID
func PeerFromConnState(st tls.ConnectionState) (types.PeerID, error) {
	if len(st.PeerCertificates) == 0 {
		return types.EmptyPeerID, ErrNoCertificate
	}
	return peerFromCert(st.PeerCertificates[0])
}

func peerFromCert(cert *x509.Certificate) (types.PeerID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return types.EmptyPeerID, fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	return types.PeerIDFromPublicKey(pub)
}
