// wallet-init 从助记词派生交易私钥，打印地址和私钥十六进制。
// 助记词从标准输入读取，避免留在 shell 历史里。
package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/betbot/copycat/pkg/config"
)

func main() {
	derivationPath := flag.String("path", config.DefaultDerivationPath, "BIP-44 派生路径")
	showKey := flag.Bool("show-key", false, "同时打印私钥十六进制（小心终端记录）")
	flag.Parse()

	fmt.Fprintln(os.Stderr, "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
	mnemonic := readLine()
	if mnemonic == "" {
		fatal(errors.New("助记词为空"))
	}

	key, err := config.DeriveKey(mnemonic, *derivationPath)
	if err != nil {
		fatal(err)
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	fmt.Printf("派生路径: %s\n", *derivationPath)
	fmt.Printf("地址:     %s\n", addr.Hex())
	if *showKey {
		fmt.Printf("私钥:     0x%s\n", hex.EncodeToString(crypto.FromECDSA(key)))
	} else {
		fmt.Fprintln(os.Stderr, "提示: 加 -show-key 可打印私钥")
	}
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
