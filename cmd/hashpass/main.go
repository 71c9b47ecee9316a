package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// hashpass generates the bcrypt hash expected in ADMIN_PASSWORD_HASH.
// The password is read from the first argument or, preferably, from
// stdin so it never lands in shell history.
func main() {
	var password string

	if len(os.Args) > 1 {
		password = os.Args[1]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Fatal("Failed to read password: ", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	if len(password) < 8 {
		log.Fatal("Password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal("Failed to hash password: ", err)
	}

	fmt.Printf("ADMIN_PASSWORD_HASH=%s\n", string(hash))
}
