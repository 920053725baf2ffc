package qmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/pool"
	"unlock-music.dev/um/internal/sniff"
)

// CipherVariant is picked once per file by inspecting its tail.
type CipherVariant int

const (
	StaticSeed CipherVariant = iota // no key, seed table mask
	DynamicKey                      // key in a QTag trailer
	DerivedKey                      // TEA wrapped ekey, map or RC4 cipher
)

func (v CipherVariant) String() string {
	switch v {
	case StaticSeed:
		return "static"
	case DynamicKey:
		return "dynamic"
	case DerivedKey:
		return "derived"
	}
	return "unknown(" + strconv.Itoa(int(v)) + ")"
}

type Decoder struct {
	raw    io.ReadSeeker // raw is the original file reader
	params *common.DecoderParams

	audio    io.Reader // audio is the encrypted audio data
	audioLen int       // audioLen is the audio data length
	offset   int       // offset is the current audio read position

	variant    CipherVariant
	decodedKey []byte // decodedKey is the decoded key for cipher
	cipher     common.StreamDecoder

	songID        int
	rawMetaExtra2 int

	sniffed string // sniffed is the extension detected from the first bytes

	logger *zap.Logger
}

// Read implements io.Reader, offer the decrypted audio data.
// Validate should call before Read to check if the file is valid.
func (d *Decoder) Read(p []byte) (int, error) {
	n, err := d.audio.Read(p)
	if n > 0 {
		d.cipher.Decrypt(p[:n], d.offset)
		d.offset += n
	}
	return n, err
}

// Seek implements io.Seeker over the decrypted audio data.
func (d *Decoder) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(d.offset) + offset
	case io.SeekEnd:
		abs = int64(d.audioLen) + offset
	default:
		return 0, fmt.Errorf("qmc: invalid whence")
	}

	if abs < 0 {
		return 0, fmt.Errorf("qmc: negative position")
	}
	if abs > int64(d.audioLen) {
		abs = int64(d.audioLen)
	}

	if _, err := d.raw.Seek(abs, io.SeekStart); err != nil {
		return 0, fmt.Errorf("qmc seek raw: %w", err)
	}

	d.offset = int(abs)
	d.audio = io.LimitReader(d.raw, int64(d.audioLen)-abs)
	return abs, nil
}

func NewDecoder(p *common.DecoderParams) common.Decoder {
	return &Decoder{raw: p.Reader, params: p, logger: p.Logger}
}

// NewQmcCipherDecoder picks the cipher for a derived key; an empty key
// means the static seed cipher.
func NewQmcCipherDecoder(key []byte) (common.StreamDecoder, error) {
	if len(key) > 300 {
		return newRC4Cipher(key)
	} else if len(key) != 0 {
		return newMapCipher(key)
	}
	return newStaticCipher(), nil
}

func (d *Decoder) Validate() error {
	cr, err := common.NewContainerReader(d.raw)
	if err != nil {
		return fmt.Errorf("qmc: %w", err)
	}

	// search & derive key
	if err := d.searchKey(cr); err != nil {
		return err
	}

	switch d.variant {
	case DynamicKey:
		d.cipher, err = newDynamicCipher(d.decodedKey)
	case DerivedKey:
		d.cipher, err = NewQmcCipherDecoder(d.decodedKey)
	default:
		d.cipher = newStaticCipher()
	}
	if err != nil {
		return fmt.Errorf("qmc init cipher: %w", err)
	}

	if err := d.validateDecode(); err != nil {
		return err
	}

	// reset position, limit to audio, prepare for Read
	if _, err := d.raw.Seek(0, io.SeekStart); err != nil {
		return err
	}
	d.audio = io.LimitReader(d.raw, int64(d.audioLen))

	d.logger.Debug("qmc cipher selected",
		zap.Stringer("variant", d.variant),
		zap.Int("key_len", len(d.decodedKey)),
		zap.String("sniffed", d.sniffed),
	)
	return nil
}

// validateDecode sniffs the first decrypted bytes. A static file whose raw
// header already is audio is reported as not encrypted.
func (d *Decoder) validateDecode() error {
	if _, err := d.raw.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("qmc seek to start: %w", err)
	}

	buf := pool.GetBuffer(min(256, d.audioLen))
	defer pool.PutBuffer(buf)

	if _, err := io.ReadFull(d.raw, buf); err != nil {
		return fmt.Errorf("qmc read header: %w", err)
	}

	_, rawIsAudio := sniff.AudioExtension(buf)
	d.cipher.Decrypt(buf, 0)
	ext, ok := sniff.AudioExtension(buf)

	if d.variant == StaticSeed && rawIsAudio && !ok {
		return common.ErrNotEncrypted
	}
	if !ok {
		d.logger.Warn("qmc: detect file type failed, falling back to extension",
			zap.Stringer("variant", d.variant))
		return nil
	}
	d.sniffed = ext
	return nil
}

func (d *Decoder) searchKey(cr *common.ContainerReader) error {
	fileSize := cr.Size()

	key, audioLen, err := readTrailerKey(cr)
	if err == nil {
		d.variant, d.decodedKey, d.audioLen = DynamicKey, key, int(audioLen)
		return nil
	}
	if !errors.Is(err, errNoTrailerKey) {
		return fmt.Errorf("qmc read trailer: %w", err)
	}

	if fileSize >= 8 {
		suffixBuf, err := cr.ReadTail(4)
		if err != nil {
			return fmt.Errorf("qmc read suffix: %w", err)
		}

		switch string(suffixBuf) {
		case "QTag":
			return d.readRawMetaQTag(cr)
		case "STag":
			return fmt.Errorf("%w: file with 'STag' suffix doesn't contains media key", common.ErrKeyUnwrap)
		default:
			size := binary.LittleEndian.Uint32(suffixBuf)
			if size <= maxRawKeyLen && size != 0 { // assume size is key len
				err := d.readRawKey(cr, int64(size))
				if err == nil {
					return nil
				}
				d.logger.Debug("qmc: raw key suffix rejected", zap.Error(err))
			}
		}
	}

	if !strings.HasPrefix(d.params.Extension, ".qmc") {
		key, err := readKeyFromMMKV(d.params.FilePath, d.logger)
		if err == nil {
			d.variant, d.decodedKey, d.audioLen = DerivedKey, key, int(fileSize)
			return nil
		}
		if !errors.Is(err, errNoVault) {
			d.logger.Warn("read key from mmkv failed", zap.Error(err))
		}
	}

	// try to use default static cipher
	d.variant, d.decodedKey, d.audioLen = StaticSeed, nil, int(fileSize)
	return nil
}

func (d *Decoder) readRawKey(cr *common.ContainerReader, rawKeyLen int64) error {
	rawKeyData, audioLen, err := readRawKey(cr, rawKeyLen)
	if err != nil {
		return err
	}
	key, err := deriveKey(rawKeyData)
	if err != nil {
		return err
	}
	d.variant, d.decodedKey, d.audioLen = DerivedKey, key, int(audioLen)
	return nil
}

func (d *Decoder) readRawMetaQTag(cr *common.ContainerReader) error {
	meta, audioLen, err := readRawMetaQTag(cr)
	if err != nil {
		return fmt.Errorf("qmc read QTag: %w", err)
	}
	key, err := deriveKey(meta.ekey)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrKeyUnwrap, err)
	}
	d.variant, d.decodedKey, d.audioLen = DerivedKey, key, int(audioLen)
	d.songID, d.rawMetaExtra2 = meta.songID, meta.extra
	return nil
}

func (d *Decoder) RawPayload() (io.Reader, int64, common.StreamDecoder) {
	return d.audio, int64(d.audioLen), d.cipher
}

func (d *Decoder) Variant() CipherVariant { return d.variant }

// DeclaredFormat is the format implied by the input extension.
func (d *Decoder) DeclaredFormat() string {
	return sniff.FallbackForExtension(d.params.Extension)
}

// GetAudioMeta only knows the song id carried by QTag files.
func (d *Decoder) GetAudioMeta(_ context.Context) (common.AudioMeta, error) {
	if d.songID == 0 {
		return nil, nil
	}
	return &common.TrackMeta{TrackID: strconv.Itoa(d.songID)}, nil
}

//goland:noinspection SpellCheckingInspection
func init() {
	supportedExts := []string{
		"qmc", "qmc0", "qmc3", //QQ Music MP3
		"qmc2", "qmc4", "qmc6", "qmc8", //QQ Music M4A
		"qmcflac", //QQ Music FLAC
		"qmcogg",  //QQ Music OGG
		"mgge",    //QQ Music Lossless

		// Plain extensions some clients keep; a file that is not encrypted
		// is reported and skipped.
		"ogg",

		"tkm", //QQ Music Accompaniment M4A

		"bkcmp3", "bkcm4a", "bkcflac", "bkcwav", "bkcape", "bkcogg", "bkcwma", //Moo Music

		"666c6163", //QQ Music Weiyun Flac
		"6d7033",   //QQ Music Weiyun Mp3
		"6f6767",   //QQ Music Weiyun Ogg
		"6d3461",   //QQ Music Weiyun M4a
		"776176",   //QQ Music Weiyun Wav
	}
	for _, ext := range supportedExts {
		common.RegisterDecoder(ext, false, NewDecoder)
	}

	// New ogg/flac:
	extraExtsCanHaveSuffix := []string{"mgg", "mflac"}
	// Mac also adds some extra suffix to ext:
	extraExtSuffix := []string{"0", "1", "a", "h", "l", "m"}
	for _, ext := range extraExtsCanHaveSuffix {
		common.RegisterDecoder(ext, false, NewDecoder)
		for _, suffix := range extraExtSuffix {
			common.RegisterDecoder(ext+suffix, false, NewDecoder)
		}
	}
}
