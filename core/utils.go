package core

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shirou/gopsutil/v3/disk"
)

func GenRandomToken() string {
	rdata := make([]byte, 64)
	rand.Read(rdata)
	hash := sha256.Sum256(rdata)
	return fmt.Sprintf("%x", hash)
}

func CreateDir(path string, perm os.FileMode) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, perm)
		if err != nil {
			return err
		}
	}
	return nil
}

// StoreFreeSpace reports the free space on the filesystem holding path,
// for the health endpoint and the console status line.
func StoreFreeSpace(path string) string {
	usage, err := disk.Usage(path)
	if err != nil {
		return "unknown"
	}
	return strconv.FormatUint(usage.Free/1024/1024, 10) + " MB"
}

// get filesize as int64, return human readable string
// from https://hakk.dev/docs/golang-convert-file-size-human-readable/
func HumanFileSize(size int64) string {
	if size == 0 {
		return "0B"
	}

	suffixes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

	base := math.Log(float64(size)) / math.Log(1024)
	getSize := Round(math.Pow(1024, base-math.Floor(base)), .5, 2)
	getSuffix := suffixes[int(math.Floor(base))]
	return strconv.FormatFloat(getSize, 'f', -1, 64) + " " + string(getSuffix)
}

// from https://hakk.dev/docs/golang-convert-file-size-human-readable/
func Round(val float64, roundOn float64, places int) (newVal float64) {
	var round float64
	pow := math.Pow(10, float64(places))
	digit := pow * val
	_, div := math.Modf(digit)
	if div >= roundOn {
		round = math.Ceil(digit)
	} else {
		round = math.Floor(digit)
	}
	newVal = round / pow
	return
}

// from https://stackoverflow.com/a/32482941
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return err
	})
	return size, err
}
