package unlockexcel

import "fmt"

// ReadProtection opens the container, walks to the protection stream at
// path and decodes its record. The container bytes are not modified.
func ReadProtection(container []byte, path ...string) (*ProtectionRecord, error) {
	_, _, record, err := openProtection(container, path)
	return record, err
}

// RemoveProtection returns a full replacement container image with the
// protection bits cleared. An already unprotected input is a no-op: the
// output is byte-identical to the input. Either the whole new image is
// produced or an error is returned; there is no half-patched result.
func RemoveProtection(container []byte, path ...string) ([]byte, error) {
	store, handle, record, err := openProtection(container, path)
	if err != nil {
		return nil, err
	}

	if !record.Protected() {
		DebugPrintf("project is not protected, nothing to patch\n")
		return store.Serialize(), nil
	}

	original := int(handle.Size())
	record.Flags &^= PROTECT_ALL
	patched := record.Encode()

	// Patching only ever flips bits inside the existing record. A length
	// change here means the codec and this assumption have diverged.
	if len(patched) != original {
		return nil, fmt.Errorf("%w: patched record is %v bytes, stream holds %v",
			ErrChainTooShort, len(patched), original)
	}
	if err := handle.Write(patched); err != nil {
		return nil, err
	}

	return store.Serialize(), nil
}

func openProtection(container []byte, path []string) (*Container, *StreamHandle, *ProtectionRecord, error) {
	store, err := OpenContainer(container)
	if err != nil {
		return nil, nil, nil, err
	}
	directory, err := OpenDirectory(store)
	if err != nil {
		return nil, nil, nil, err
	}
	handle, err := directory.FindStream(path...)
	if err != nil {
		return nil, nil, nil, err
	}
	data, err := handle.Read()
	if err != nil {
		return nil, nil, nil, err
	}
	record, err := DecodeProtectionRecord(data)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, handle, record, nil
}
