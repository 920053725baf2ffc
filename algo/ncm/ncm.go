package ncm

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/sniff"
)

var magicHeader = []byte("CTENFDAM")

const (
	headerGapSize = 2 // after magic
	reservedSize  = 1 // after crc32
)

type Decoder struct {
	rd     io.ReadSeeker
	params *common.DecoderParams
	logger *zap.Logger
	ecb    common.ECBDecrypter

	box    *KeyBox
	cipher common.StreamDecoder

	meta    *common.TrackMeta
	metaErr error
	crc32   uint32
	cover   []byte

	audio    io.Reader // audio is the encrypted payload
	audioLen int64
	offset   int // offset is the current payload read position
}

func NewDecoder(p *common.DecoderParams) common.Decoder {
	return NewDecoderWithECB(p, common.AESECB)
}

// NewDecoderWithECB uses ecb instead of the crypto/aes provider.
func NewDecoderWithECB(p *common.DecoderParams, ecb common.ECBDecrypter) *Decoder {
	return &Decoder{rd: p.Reader, params: p, logger: p.Logger, ecb: ecb}
}

// Validate checks the file header, and prepares the decoder for Read.
func (d *Decoder) Validate() error {
	cr, err := common.NewContainerReader(d.rd)
	if err != nil {
		return fmt.Errorf("ncm: %w", err)
	}
	if err := cr.ExpectMagic(magicHeader); err != nil {
		return fmt.Errorf("ncm read magic: %w", err)
	}
	if err := cr.Skip(headerGapSize); err != nil {
		return fmt.Errorf("ncm skip header gap: %w", err)
	}

	if err := d.readKey(cr); err != nil {
		return err
	}
	if err := d.readMeta(cr); err != nil {
		return err
	}
	if err := d.readCoverFrame(cr); err != nil {
		return err
	}

	d.audioLen = cr.Remaining()
	if d.audio, err = cr.Payload(d.audioLen); err != nil {
		return fmt.Errorf("ncm seek payload: %w", err)
	}
	d.logger.Debug("ncm container parsed",
		zap.String("payload", humanize.IBytes(uint64(d.audioLen))),
		zap.Int("cover", len(d.cover)),
		zap.Bool("meta", d.meta != nil),
	)
	return nil
}

func (d *Decoder) readKey(cr *common.ContainerReader) error {
	raw, err := cr.ReadBlock()
	if err != nil {
		return fmt.Errorf("ncm read key: %w", err)
	}
	key, err := unwrapKey(d.ecb, raw)
	if err != nil {
		return fmt.Errorf("ncm unwrap key: %w", err)
	}
	if d.box, err = NewKeyBox(key); err != nil {
		return fmt.Errorf("ncm schedule key: %w", err)
	}
	d.cipher = newNcmCipher(d.box)
	return nil
}

func (d *Decoder) readMeta(cr *common.ContainerReader) error {
	raw, err := cr.ReadBlock()
	if err != nil {
		return fmt.Errorf("ncm read meta: %w", err)
	}
	d.meta, d.metaErr = decodeMeta(d.ecb, raw)
	if d.metaErr != nil {
		d.logger.Warn("ncm metadata ignored", zap.Error(d.metaErr))
	}
	return nil
}

// readCoverFrame reads the crc32, the reserved byte and the image frame.
// The frame reserves imageSpace bytes, of which the first imageSize hold the
// cover; a writer may also report a size larger than the space.
func (d *Decoder) readCoverFrame(cr *common.ContainerReader) error {
	var err error
	if d.crc32, err = cr.ReadUint32LE(); err != nil {
		return fmt.Errorf("ncm read crc32: %w", err)
	}
	if err = cr.Skip(reservedSize); err != nil {
		return fmt.Errorf("ncm skip reserved: %w", err)
	}

	imageSpace, err := cr.ReadUint32LE()
	if err != nil {
		return fmt.Errorf("ncm read image space: %w", err)
	}
	imageSize, err := cr.ReadUint32LE()
	if err != nil {
		return fmt.Errorf("ncm read image size: %w", err)
	}
	if d.cover, err = cr.ReadFull(int(imageSize)); err != nil {
		return fmt.Errorf("ncm read cover: %w", err)
	}
	if imageSpace > imageSize {
		if err = cr.Skip(int64(imageSpace - imageSize)); err != nil {
			return fmt.Errorf("ncm skip image padding: %w", err)
		}
	}
	return nil
}

func (d *Decoder) Read(p []byte) (int, error) {
	n, err := d.audio.Read(p)
	if n > 0 {
		d.cipher.Decrypt(p[:n], d.offset)
		d.offset += n
	}
	return n, err
}

func (d *Decoder) RawPayload() (io.Reader, int64, common.StreamDecoder) {
	return d.audio, d.audioLen, d.cipher
}

// CRC32 is the checksum field as stored; it is not verified.
func (d *Decoder) CRC32() uint32 { return d.crc32 }

// Meta returns the decoded record, or nil when the container has none.
func (d *Decoder) Meta() *common.TrackMeta { return d.meta }

// MetaErr is the reason the metadata block was ignored, if it was.
func (d *Decoder) MetaErr() error { return d.metaErr }

func (d *Decoder) DeclaredFormat() string {
	if d.meta == nil {
		return ""
	}
	return d.meta.Format
}

func (d *Decoder) GetAudioMeta(_ context.Context) (common.AudioMeta, error) {
	if d.meta == nil {
		return nil, d.metaErr
	}
	return d.meta, nil
}

func (d *Decoder) GetCoverImage(_ context.Context) ([]byte, error) {
	if len(d.cover) > 0 {
		return d.cover, nil
	}
	return nil, nil
}

// CoverExtension sniffs the embedded image, ".jpg" when unknown.
func (d *Decoder) CoverExtension() string {
	if ext, ok := sniff.ImageExtension(d.cover); ok {
		return ext
	}
	return ".jpg"
}

func init() {
	// Netease Mp3/Flac
	common.RegisterDecoder("ncm", false, NewDecoder)
}
